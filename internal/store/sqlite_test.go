package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/seantiz/kiln/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func makeTestFunction(route string) *model.Function {
	now := time.Now().UTC().Truncate(time.Second)
	return &model.Function{
		ID:        model.NewID(),
		Name:      "adder",
		Route:     route,
		Language:  model.LanguagePython,
		Code:      "def handler(event):\n    return event['a'] + event['b']\n",
		TimeoutS:  5,
		Backend:   model.BackendProcess,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestCreateAndGetFunction(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	f := makeTestFunction("math/add")

	if err := s.CreateFunction(ctx, f); err != nil {
		t.Fatalf("CreateFunction: %v", err)
	}

	got, err := s.GetFunction(ctx, f.ID)
	if err != nil {
		t.Fatalf("GetFunction: %v", err)
	}
	if got.Route != f.Route || got.Code != f.Code || got.Backend != f.Backend {
		t.Errorf("got %+v, want %+v", got, f)
	}
	if !got.IsActive {
		t.Error("IsActive = false, want true")
	}
	if got.TimeoutS != 5 {
		t.Errorf("TimeoutS = %d, want 5", got.TimeoutS)
	}
	if !got.CreatedAt.Equal(f.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, f.CreatedAt)
	}

	byRoute, err := s.GetFunctionByRoute(ctx, "math/add")
	if err != nil {
		t.Fatalf("GetFunctionByRoute: %v", err)
	}
	if byRoute.ID != f.ID {
		t.Errorf("GetFunctionByRoute ID = %q, want %q", byRoute.ID, f.ID)
	}
}

func TestGetFunctionNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetFunction(ctx, "nonexistent"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetFunction error = %v, want ErrNotFound", err)
	}
	if _, err := s.GetFunctionByRoute(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetFunctionByRoute error = %v, want ErrNotFound", err)
	}
}

func TestCreateDuplicateRoute(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateFunction(ctx, makeTestFunction("add")); err != nil {
		t.Fatalf("CreateFunction: %v", err)
	}
	err := s.CreateFunction(ctx, makeTestFunction("add"))
	if !errors.Is(err, ErrDuplicateRoute) {
		t.Errorf("duplicate route error = %v, want ErrDuplicateRoute", err)
	}
}

func TestListFunctions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	for i := range 5 {
		f := makeTestFunction(fmt.Sprintf("fn-%d", i))
		f.CreatedAt = base.Add(time.Duration(i) * time.Second)
		if err := s.CreateFunction(ctx, f); err != nil {
			t.Fatalf("CreateFunction %d: %v", i, err)
		}
	}

	page, total, err := s.ListFunctions(ctx, 2, 0)
	if err != nil {
		t.Fatalf("ListFunctions: %v", err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if len(page) != 2 {
		t.Fatalf("len(page) = %d, want 2", len(page))
	}
	if page[0].Route != "fn-4" || page[1].Route != "fn-3" {
		t.Errorf("page order = %s, %s; want newest first", page[0].Route, page[1].Route)
	}

	last, _, err := s.ListFunctions(ctx, 2, 4)
	if err != nil {
		t.Fatalf("ListFunctions offset: %v", err)
	}
	if len(last) != 1 || last[0].Route != "fn-0" {
		t.Errorf("last page = %v", last)
	}
}

func TestUpdateFunction(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	f := makeTestFunction("add")
	if err := s.CreateFunction(ctx, f); err != nil {
		t.Fatalf("CreateFunction: %v", err)
	}

	f.Code = "def handler(event):\n    return 0\n"
	f.IsActive = false
	f.TimeoutS = 30
	f.UpdatedAt = f.UpdatedAt.Add(time.Minute)
	if err := s.UpdateFunction(ctx, f); err != nil {
		t.Fatalf("UpdateFunction: %v", err)
	}

	got, err := s.GetFunction(ctx, f.ID)
	if err != nil {
		t.Fatalf("GetFunction: %v", err)
	}
	if got.Code != f.Code || got.IsActive || got.TimeoutS != 30 {
		t.Errorf("got %+v after update", got)
	}
	if !got.UpdatedAt.Equal(f.UpdatedAt) {
		t.Errorf("UpdatedAt = %v, want %v", got.UpdatedAt, f.UpdatedAt)
	}
}

func TestUpdateFunctionRouteConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a, b := makeTestFunction("a"), makeTestFunction("b")
	for _, f := range []*model.Function{a, b} {
		if err := s.CreateFunction(ctx, f); err != nil {
			t.Fatalf("CreateFunction: %v", err)
		}
	}

	b.Route = "a"
	if err := s.UpdateFunction(ctx, b); !errors.Is(err, ErrDuplicateRoute) {
		t.Errorf("UpdateFunction error = %v, want ErrDuplicateRoute", err)
	}
}

func TestUpdateFunctionNotFound(t *testing.T) {
	s := newTestStore(t)
	if err := s.UpdateFunction(context.Background(), makeTestFunction("x")); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateFunction error = %v, want ErrNotFound", err)
	}
}

func TestDeleteFunction(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	f := makeTestFunction("add")
	if err := s.CreateFunction(ctx, f); err != nil {
		t.Fatalf("CreateFunction: %v", err)
	}

	if err := s.DeleteFunction(ctx, f.ID); err != nil {
		t.Fatalf("DeleteFunction: %v", err)
	}
	if err := s.DeleteFunction(ctx, f.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second DeleteFunction error = %v, want ErrNotFound", err)
	}

	// The route is free again.
	if err := s.CreateFunction(ctx, makeTestFunction("add")); err != nil {
		t.Errorf("CreateFunction after delete: %v", err)
	}
}
