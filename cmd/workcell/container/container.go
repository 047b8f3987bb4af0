package container

import (
	"context"
	"os"
	"time"

	"github.com/madsci/workcell/cmd/workcell/condition"
	"github.com/madsci/workcell/cmd/workcell/engine"
	"github.com/madsci/workcell/cmd/workcell/repository"
	"github.com/madsci/workcell/cmd/workcell/resolver"
	"github.com/madsci/workcell/cmd/workcell/scheduler"
	"github.com/madsci/workcell/cmd/workcell/service"
	"github.com/madsci/workcell/cmd/workcell/state"
	"github.com/madsci/workcell/common/bootstrap"
	"github.com/madsci/workcell/common/cache"
	"github.com/madsci/workcell/common/clients"
	"github.com/madsci/workcell/common/ratelimit"
	"github.com/madsci/workcell/common/types"
)

// Container holds all initialized services and repositories (singleton
// pattern); everything is created once at startup, bottom-up.
type Container struct {
	Components *bootstrap.Components

	// Repositories
	DefinitionRepo *repository.DefinitionRepository
	ArchiveRepo    *repository.ArchiveRepository

	// Core
	Store      state.Store
	State      *state.Handler
	Resolver   *resolver.Resolver
	Evaluator  *condition.Evaluator
	Engine     *engine.Engine
	Scheduler  *scheduler.Scheduler
	Datapoints clients.DatapointClient
	Limiter    *ratelimit.Limiter

	// Services
	WorkflowSvc   *service.WorkflowService
	DefinitionSvc *service.DefinitionService
	NodeSvc       *service.NodeService
}

// NewContainer initializes all services and repositories once.
func NewContainer(components *bootstrap.Components) (*Container, error) {
	cfg := components.Config
	logger := components.Logger

	definitionRepo := repository.NewDefinitionRepository(components.DB)
	archiveRepo := repository.NewArchiveRepository(components.DB)

	store := state.NewRedisStore(components.Redis, logger)
	stateHandler := state.NewHandler(state.HandlerOpts{
		Store:     store,
		Logger:    logger,
		Retention: cfg.Engine.ArchiveRetention,
		ArchiveSink: func(ctx context.Context, wf *types.Workflow) error {
			return archiveRepo.Insert(ctx, wf)
		},
	})

	// The datapoint manager is external; fall back to the in-process store
	// when no URL is configured.
	var datapoints clients.DatapointClient
	if url := os.Getenv("DATAPOINT_URL"); url != "" {
		datapoints = clients.NewRestDatapointClient(url, logger)
	} else {
		datapoints = clients.NewMemoryDatapointClient()
	}

	clientFor := func(nodeURL string) clients.NodeClient {
		return clients.NewRestNodeClient(clients.RestNodeClientOpts{
			BaseURL:     nodeURL,
			Logger:      logger,
			Retry:       true,
			MaxRetries:  cfg.Engine.TransportRetries,
			PollInitial: cfg.Engine.ResultPollInitial,
			PollMax:     cfg.Engine.ResultPollMax,
		})
	}

	res := resolver.NewResolver(datapoints, logger)
	evaluator := condition.NewEvaluator()

	eng := engine.New(engine.Opts{
		State:              stateHandler,
		Resolver:           res,
		Datapoints:         datapoints,
		ClientFor:          clientFor,
		Telemetry:          components.Telemetry,
		Logger:             logger,
		DefaultStepTimeout: cfg.Engine.DefaultStepTimeout,
	})

	sched := scheduler.New(scheduler.Opts{
		State:        stateHandler,
		Engine:       eng,
		Evaluator:    evaluator,
		Telemetry:    components.Telemetry,
		Logger:       logger,
		TickInterval: cfg.Scheduler.TickInterval,
	})

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.NewLimiter(components.Redis.GetUnderlying(), logger)
	}
	definitionCache := cache.NewMemoryCache(time.Minute)

	workflowSvc := service.NewWorkflowService(stateHandler, res, eng, components.Telemetry, logger)
	definitionSvc := service.NewDefinitionService(definitionRepo, definitionCache, logger)
	nodeSvc := service.NewNodeService(stateHandler, clientFor, logger)

	return &Container{
		Components:     components,
		DefinitionRepo: definitionRepo,
		ArchiveRepo:    archiveRepo,
		Store:          store,
		State:          stateHandler,
		Resolver:       res,
		Evaluator:      evaluator,
		Engine:         eng,
		Scheduler:      sched,
		Datapoints:     datapoints,
		Limiter:        limiter,
		WorkflowSvc:    workflowSvc,
		DefinitionSvc:  definitionSvc,
		NodeSvc:        nodeSvc,
	}, nil
}
