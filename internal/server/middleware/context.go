package middleware

import (
	"context"

	"github.com/OFFIS-RIT/lantern/backend/pkg/common"
	"github.com/OFFIS-RIT/lantern/backend/pkg/store"

	"github.com/labstack/echo/v4"
)

type DocumentStore interface {
	Store(ctx context.Context, text, scenarioHash, sourceURL string) (*common.DocumentFingerprint, error)
	Get(ctx context.Context, docHash string) (*common.DocumentFingerprint, error)
	GetByScenario(ctx context.Context, scenarioHash string) ([]common.DocumentFingerprint, error)
	RemoveScenario(ctx context.Context, scenarioHash string) (int, error)
}

type EntityIndex interface {
	Get(ctx context.Context, key string) (*common.CanonicalEntity, error)
	Search(ctx context.Context, filter store.EntityFilter) ([]common.CanonicalEntity, error)
}

// ScenarioGraphs reads and drops persisted scenario graphs.
type ScenarioGraphs interface {
	LoadScenario(ctx context.Context, scenarioHash string) (*common.GraphSet, error)
	DeleteScenario(ctx context.Context, scenarioHash string) error
}

// RunQueue accepts pipeline runs. It either publishes them to RabbitMQ or
// runs them in-process.
type RunQueue interface {
	Enqueue(ctx context.Context, correlationID, scenarioHash string, in common.ReconInput) error
}

type AppUser struct {
	Name        string
	Permissions []string
}

type App struct {
	Documents DocumentStore
	Entities  EntityIndex
	Graphs    ScenarioGraphs
	Runs      RunQueue

	APIKey     string
	ReadAPIKey string
}

type AppContext struct {
	echo.Context
	App  *App
	User *AppUser
}

func AppContextMiddleware(app *App) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			cc := &AppContext{c, app, nil}
			return next(cc)
		}
	}
}
