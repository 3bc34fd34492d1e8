// errors.go — ошибки бизнес-логики сервисного слоя.
package service

import (
	"errors"
	"fmt"

	"github.com/bigkaa/fileflows/flow-server/internal/domain/lifecycle"
	"github.com/bigkaa/fileflows/flow-server/internal/repository"
)

var (
	// ErrNotFound — ресурс не найден.
	ErrNotFound = errors.New("ресурс не найден")
	// ErrConflict — конфликт (дублирующийся ресурс или параллельное изменение).
	ErrConflict = errors.New("конфликт — ресурс уже существует или изменён")
	// ErrValidation — ошибка валидации входных данных.
	ErrValidation = errors.New("ошибка валидации")
	// ErrInvalidTransition — недопустимый переход статуса файла.
	ErrInvalidTransition = errors.New("недопустимый переход статуса")
	// ErrFileProcessing — операция невозможна, файл обрабатывается.
	ErrFileProcessing = errors.New("файл обрабатывается")
	// ErrWorkerMismatch — отчёт от воркера, который не владеет файлом.
	ErrWorkerMismatch = errors.New("файл захвачен другим воркером")
)

// mapRepoError переводит ошибки репозитория в ошибки сервиса.
func mapRepoError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err) //nolint:errorlint // намеренный двойной wrap
	case errors.Is(err, repository.ErrConflict):
		return fmt.Errorf("%w: %w", ErrConflict, err) //nolint:errorlint // намеренный двойной wrap
	}
	return err
}

// mapTransitionError переводит ошибку перехода в ошибку сервиса по коду.
func mapTransitionError(err error) error {
	var te *lifecycle.TransitionError
	if !errors.As(err, &te) {
		return err
	}
	switch te.Code {
	case lifecycle.CodeFileProcessing:
		return fmt.Errorf("%w: %s", ErrFileProcessing, te.Message)
	case lifecycle.CodeWorkerMismatch:
		return fmt.Errorf("%w: %s", ErrWorkerMismatch, te.Message)
	default:
		return fmt.Errorf("%w: %s", ErrInvalidTransition, te.Message)
	}
}
