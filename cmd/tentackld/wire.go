package main

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"tentackl/internal/apperr"
	"tentackl/internal/automation"
	"tentackl/internal/cache/memory"
	rediscache "tentackl/internal/cache/redis"
	"tentackl/internal/checkpoint"
	"tentackl/internal/config"
	"tentackl/internal/eventbus"
	"tentackl/internal/gateway"
	"tentackl/internal/inbox"
	"tentackl/internal/intent"
	"tentackl/internal/model"
	"tentackl/internal/model/anthropic"
	"tentackl/internal/model/bedrock"
	"tentackl/internal/model/openai"
	"tentackl/internal/observer"
	"tentackl/internal/orchestrator"
	"tentackl/internal/planning"
	"tentackl/internal/ports"
	"tentackl/internal/ports/fakeplugin"
	"tentackl/internal/preference"
	"tentackl/internal/pulseclient"
	"tentackl/internal/queue"
	memorystore "tentackl/internal/store/memory"
	mongostore "tentackl/internal/store/mongo"
	"tentackl/internal/schema"
	"tentackl/internal/scheduler"
	"tentackl/internal/stepexec"
	"tentackl/internal/stream"
	"tentackl/internal/taskruntime"
	"tentackl/internal/telemetry"
	"tentackl/internal/tree"
	"tentackl/internal/trigger"
)

// app bundles every long-lived component main.go needs to start, drive,
// and tear down, beyond what's reachable through runtime alone.
type app struct {
	runtime    *taskruntime.Runtime
	gateway    *gateway.Gateway
	triggers   *trigger.Registry
	recovery   *planning.Recovery
	automation *automation.Scheduler

	mongoClient *mongodriver.Client
	redisClient *redis.Client
	streamHub   *stream.Hub

	logger telemetry.Logger
}

func (a *app) close(ctx context.Context) {
	_ = a.runtime.Close(ctx)
	if a.streamHub != nil {
		a.streamHub.Close()
	}
	if a.mongoClient != nil {
		_ = a.mongoClient.Disconnect(ctx)
	}
	if a.redisClient != nil {
		_ = a.redisClient.Close()
	}
}

// wire constructs every adapter and composes them into a
// taskruntime.Runtime. When inMemory is true, Mongo/Redis/the durable
// queue are skipped entirely in favor of the in-memory test doubles and
// in-process scheduling, so the binary can be exercised without standing up
// external services.
func wire(ctx context.Context, cfg config.Config, inMemory bool, logger telemetry.Logger) (*app, error) {
	models := buildModelRegistry(ctx, cfg)

	var decompositionClient model.Client
	if c, ok := models.Client(cfg.Models.DefaultProvider); ok {
		decompositionClient = c
	}

	a := &app{logger: logger}

	var (
		tasks         ports.TaskStore
		cacheStore    ports.CacheStore
		cps           checkpoint.Store
		prefs         preference.Store
		inboxPort     ports.InboxPort
		pulse         pulseclient.Client
	)

	if inMemory {
		memTasks := memorystore.NewTaskStore()
		tasks = memTasks
		cps = memorystore.NewCheckpointStore(memTasks)
		prefs = memorystore.NewPreferenceStore()
		cacheStore = memory.New()
	} else {
		mongoClient, err := mongodriver.Connect(options.Client().ApplyURI(cfg.Mongo.URI))
		if err != nil {
			return nil, apperr.Wrap(apperr.DependencyUnavailable, err, "wire: connect mongo")
		}
		a.mongoClient = mongoClient
		db, err := mongostore.NewDatabase(mongostore.Options{Client: mongoClient, Database: cfg.Mongo.Database})
		if err != nil {
			return nil, err
		}
		taskStore, err := mongostore.NewTaskStore(db)
		if err != nil {
			return nil, err
		}
		tasks = taskStore
		cpStore, err := mongostore.NewCheckpointStore(db, taskStore)
		if err != nil {
			return nil, err
		}
		cps = cpStore
		prefStore, err := mongostore.NewPreferenceStore(db)
		if err != nil {
			return nil, err
		}
		prefs = prefStore
		ib, err := inbox.New(db, taskStore)
		if err != nil {
			return nil, err
		}
		inboxPort = ib

		redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})
		a.redisClient = redisClient
		cacheAdapter, err := rediscache.New(rediscache.Options{Client: redisClient, Logger: logger})
		if err != nil {
			return nil, err
		}
		cacheStore = cacheAdapter
		pulseC, err := pulseclient.New(pulseclient.Options{Redis: redisClient})
		if err != nil {
			return nil, apperr.Wrap(apperr.DependencyUnavailable, err, "wire: pulse client")
		}
		pulse = pulseC
	}

	checkpointStore := cps
	preferenceService, err := preference.New(preference.Options{Store: prefs, Logger: logger})
	if err != nil {
		return nil, err
	}

	treeManager := tree.NewManager()
	validator := schema.New()
	riskDetector := planning.DefaultRiskDetector{}
	intentDetector := intent.New(decompositionClient)
	automationScheduler := automation.New(logger)

	var bus ports.EventBus
	var streamPort ports.EventStream
	if pulse != nil {
		eb, err := eventbus.New(eventbus.Options{Client: pulse, Logger: logger})
		if err != nil {
			return nil, err
		}
		bus = eb
		hub, err := stream.New(ctx, stream.Options{Client: pulse, Logger: logger})
		if err != nil {
			return nil, err
		}
		streamPort = hub
		a.streamHub = hub
	}

	planningEngine, err := planning.New(planning.Options{
		Intent:                intentDetector,
		Automation:            automationScheduler,
		RiskDetector:          riskDetector,
		Tasks:                 tasks,
		Tree:                  treeManager,
		EventBus:              bus,
		Models:                models,
		DecompositionProvider: cfg.Models.DefaultProvider,
		Validator:             validator,
		Logger:                logger,
	})
	if err != nil {
		return nil, err
	}
	recovery := planning.NewRecovery(planningEngine, time.Duration(cfg.Planning.StuckSweepMinutes)*time.Minute, logger)

	pluginExecutor := fakeplugin.New()
	memoryService := fakeplugin.NewMemoryService()

	stepExecutor, err := stepexec.New(stepexec.Options{
		Tasks:           tasks,
		Cache:           cacheStore,
		Tree:            treeManager,
		EventBus:        bus,
		Inbox:           inboxPort,
		Plugins:         pluginExecutor,
		Models:          models,
		AgentTypeModel:  cfg.Models.AgentTypeModel,
		DefaultProvider: cfg.Models.DefaultProvider,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}

	mode := scheduler.ModeInProcess
	var schedulerQueue scheduler.Queue
	if pulse != nil {
		mode = scheduler.ModeQueue
		q, err := queue.New(queue.Options{Client: pulse, Logger: logger})
		if err != nil {
			return nil, err
		}
		schedulerQueue = q
	}
	schedulerEngine, err := scheduler.New(scheduler.Options{
		Tree:     treeManager,
		Tasks:    tasks,
		Executor: stepExecutor,
		Queue:    schedulerQueue,
		Mode:     mode,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	stepExecutor.SetScheduler(schedulerEngine)

	observerEngine := observer.New(observer.Options{Model: decompositionClient, Logger: logger})

	orchestratorEngine, err := orchestrator.New(orchestrator.Options{
		Cache:       cacheStore,
		Tasks:       tasks,
		Tree:        treeManager,
		Observer:    observerEngine,
		Checkpoints: nil, // wired below once checkpoint.Manager exists
		Executor:    stepExecutor,
		EventBus:    bus,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	checkpointManager, err := checkpoint.New(checkpoint.Options{
		Store:       checkpointStore,
		Cache:       cacheStore,
		Tasks:       tasks,
		Tree:        treeManager,
		Preferences: preferenceService,
		Inbox:       inboxPort,
		EventBus:    bus,
		Scheduler:   schedulerEngine,
		Replanner:   planningEngine,
		Cycle:       orchestratorEngine,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	orchestratorEngine.SetCheckpoints(checkpointManager)
	stepExecutor.SetCheckpoints(checkpointManager)

	gatewayAdapter, err := gateway.New(gateway.Options{Cache: cacheStore, Logger: logger})
	if err != nil {
		return nil, err
	}
	triggerRegistry := trigger.New(trigger.Options{Logger: logger})

	rt, err := taskruntime.New(taskruntime.Options{
		Tasks:        tasks,
		Cache:        cacheStore,
		Tree:         treeManager,
		Scheduler:    schedulerEngine,
		Planner:      planningEngine,
		Orchestrator: orchestratorEngine,
		Checkpoints:  checkpointManager,
		Preferences:  preferenceService,
		EventBus:     bus,
		Stream:       streamPort,
		Inbox:        inboxPort,
		Memory:       memoryService,
		Triggers:     triggerRegistry,
		Gateway:      gatewayAdapter,
		Logger:       logger,
		Metrics:      telemetry.NewNoopMetrics(),
		Tracer:       telemetry.NewNoopTracer(),
	})
	if err != nil {
		return nil, err
	}

	a.runtime = rt
	a.gateway = gatewayAdapter
	a.triggers = triggerRegistry
	a.recovery = recovery
	a.automation = automationScheduler
	return a, nil
}

// buildModelRegistry constructs a model.Client for every provider with
// credentials configured, leaving the rest absent so stepexec/observer/
// intent fall back gracefully (nil Client) rather than calling an
// unconfigured provider.
func buildModelRegistry(ctx context.Context, cfg config.Config) *model.Registry {
	clients := make(map[model.Provider]model.Client)
	if cfg.Models.AnthropicAPIKey != "" {
		clients[model.ProviderAnthropic] = anthropic.New(anthropic.Options{APIKey: cfg.Models.AnthropicAPIKey})
	}
	if cfg.Models.OpenAIAPIKey != "" {
		clients[model.ProviderOpenAI] = openai.New(openai.Options{APIKey: cfg.Models.OpenAIAPIKey})
	}
	if cfg.Models.BedrockRegion != "" {
		if c, err := bedrock.New(ctx, bedrock.Options{Region: cfg.Models.BedrockRegion}); err == nil {
			clients[model.ProviderBedrock] = c
		}
	}
	return model.NewRegistry(clients)
}
