package ticketcounter

import (
	"github.com/smallbiznis/rastro/internal/ticketcounter/repository"
	"github.com/smallbiznis/rastro/internal/ticketcounter/service"
	"go.uber.org/fx"
)

var Module = fx.Module("ticketcounter.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
