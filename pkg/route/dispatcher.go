package route

import (
	"net/http"

	"go.uber.org/atomic"
)

// Store holds the active table. Readers always see one complete table,
// writers build a new table and swap it in.
type Store struct {
	table *atomic.Pointer[Table]
}

func NewStore() *Store {
	return &Store{table: atomic.NewPointer(NewTable(""))}
}

func (s *Store) Load() *Table { return s.table.Load() }

// Swap publishes t and returns the previous table.
func (s *Store) Swap(t *Table) *Table { return s.table.Swap(t) }

// Dispatch matches req against the table active at call time.
func (s *Store) Dispatch(req *http.Request) (*Match, error) {
	return Dispatch(s.Load(), req)
}

func Dispatch(t *Table, req *http.Request) (*Match, error) {
	return t.Lookup(req.Method, req.URL.Path, req.Header)
}
