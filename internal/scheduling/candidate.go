// Пакет scheduling — отбор и упорядочивание файлов-кандидатов для воркера.
//
// Цикл выбора: Prepare связывает файлы с библиотеками, цепочка Filter
// отсекает недопустимые, Order сортирует оставшихся составным компаратором.
package scheduling

import (
	"math/rand/v2"
	"time"

	"github.com/bigkaa/fileflows/flow-server/internal/domain/model"
)

// Context — данные одного цикла выбора для конкретного узла.
type Context struct {
	Node *model.ProcessingNode
	Now  time.Time
	// Library возвращает библиотеку по UID из текущего снапшота кэша.
	Library func(uid string) (model.Library, bool)
	// FlowExists проверяет, что поток существует и включён.
	FlowExists func(uid string) bool
	// LibraryProcessing — число обрабатываемых файлов по библиотекам.
	LibraryProcessing map[string]int
	// FileSizeUnit — байт в единице MaxFileSizeMB.
	FileSizeUnit int64
	// Rand — источник для порядка random; nil — глобальный.
	Rand *rand.Rand
}

// Candidate — файл вместе с разрешённой библиотекой.
type Candidate struct {
	File    *model.LibraryFile
	Library model.Library

	// randKey — ключ порядка random, назначается на каждый вызов
	randKey uint64
	// rank — место файла внутри своей библиотеки
	rank int
}

// Prepare строит кандидатов из файлов. Файлы без библиотеки отбрасываются.
func Prepare(ctx *Context, files []*model.LibraryFile) []*Candidate {
	out := make([]*Candidate, 0, len(files))
	for _, f := range files {
		lib, ok := ctx.Library(f.LibraryUID)
		if !ok {
			continue
		}
		c := &Candidate{File: f, Library: lib}
		if ctx.Rand != nil {
			c.randKey = ctx.Rand.Uint64()
		} else {
			c.randKey = rand.Uint64()
		}
		out = append(out, c)
	}
	return out
}
