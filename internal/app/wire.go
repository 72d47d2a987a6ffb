//go:build wireinject

package app

import (
	"context"

	"fxcanon/internal/config"

	"github.com/google/wire"
)

func buildAppWithWire(ctx context.Context, cfg *config.Config, opts []AppBuilderOption) (*App, error) {
	wire.Build(provideAppBuilder, provideAppFromBuilder, wire.Bind(new(appBuilderDeps), new(*AppBuilder)))
	return nil, nil
}
