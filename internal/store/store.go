package store

import (
	"context"
	"errors"

	"github.com/seantiz/kiln/internal/model"
)

// ErrNotFound is returned when a function is not found.
var ErrNotFound = errors.New("function not found")

// ErrDuplicateRoute is returned when another function already owns a route.
var ErrDuplicateRoute = errors.New("route already registered")

// Store defines the persistence operations for function definitions.
type Store interface {
	CreateFunction(ctx context.Context, f *model.Function) error
	GetFunction(ctx context.Context, id string) (*model.Function, error)
	GetFunctionByRoute(ctx context.Context, route string) (*model.Function, error)
	ListFunctions(ctx context.Context, limit, offset int) ([]*model.Function, int, error)
	UpdateFunction(ctx context.Context, f *model.Function) error
	DeleteFunction(ctx context.Context, id string) error
	Close() error
}
