//go:build wireinject
// +build wireinject

// The build tag makes sure the stub is not built in the final build.

package injector

import (
	"github.com/google/wire"

	"github.com/famsync/famsync/internal/core/observability/log"
	"github.com/famsync/famsync/internal/service"
)

func provideLogger(cfg service.Config) log.Log {
	return log.New(cfg.Level())
}

func ProvideService(cfg service.Config) (*service.Service, error) {
	wire.Build(provideLogger, service.New)
	return nil, nil
}
