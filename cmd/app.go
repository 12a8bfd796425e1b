package main

import (
	"context"
	"fmt"
	"log/slog"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"webhook-bridge/handler"
	"webhook-bridge/internal/breaker"
	"webhook-bridge/internal/config"
	"webhook-bridge/internal/deadletter"
	"webhook-bridge/internal/integrations/paramstore"
	"webhook-bridge/internal/repository"
	"webhook-bridge/internal/usecase"
)

// app holds the wired process components.
type app struct {
	cfg         *config.Config
	logger      *slog.Logger
	tenants     []config.Tenant
	deadLetters *deadletter.SQLiteStore
	pipeline    *usecase.Pipeline
}

func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, pcfg usecase.PipelineConfig) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	stores := map[string]usecase.Store{}
	switch cfg.StoreBackend {
	case config.BackendMemory:
		tenants, err := cfg.ResolveTenants(ctx, nil, logger)
		if err != nil {
			return nil, err
		}
		a.tenants = tenants
		for _, t := range tenants {
			stores[t.Name] = repository.NewMemoryStore()
		}
		logger.Warn("using in-memory store, records are lost on exit")
	default:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load AWS config: %w", err)
		}
		var params config.ParamGetter
		if cfg.ParamPrefix != "" {
			ps, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
			if err != nil {
				return nil, fmt.Errorf("create SSM client: %w", err)
			}
			params = ps
		}
		tenants, err := cfg.ResolveTenants(ctx, params, logger)
		if err != nil {
			return nil, err
		}
		a.tenants = tenants

		dynamoClient := awsdynamodb.NewFromConfig(awsCfg)
		for _, t := range tenants {
			client, err := repository.New(dynamoClient, t.Table)
			if err != nil {
				return nil, fmt.Errorf("create store for tenant %q: %w", t.Name, err)
			}
			stores[t.Name] = client
			logger.Info("tenant store ready", "tenant", t.Name, "table", client.TableName())
		}
	}

	opts := []usecase.PipelineOption{usecase.WithLogger(logger)}
	if cfg.DeadLetterPath != "" {
		dl, err := deadletter.NewSQLiteStore(cfg.DeadLetterPath, logger)
		if err != nil {
			return nil, err
		}
		a.deadLetters = dl
		opts = append(opts, usecase.WithDeadLetter(dl))
	}

	b := breaker.New(cfg.BreakerThreshold, cfg.BreakerCooldown)
	p, err := usecase.NewPipeline(stores, b, pcfg, opts...)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.pipeline = p
	return a, nil
}

func (a *app) handler() (*handler.Handler, error) {
	return handler.NewHandler(a.pipeline, a.tenantNames(),
		handler.WithLogger(a.logger),
		handler.WithTestMode(a.cfg.TestMode))
}

func (a *app) tenantNames() []string {
	names := make([]string, 0, len(a.tenants))
	for _, t := range a.tenants {
		names = append(names, t.Name)
	}
	return names
}

func (a *app) Close() {
	if a.deadLetters != nil {
		if err := a.deadLetters.Close(); err != nil {
			a.logger.Error("close dead letter store", "err", err)
		}
	}
}

type replayResult struct {
	replayed  int
	discarded int
	remaining int
}

// replay re-processes dead letters oldest first. Replayed and permanently
// invalid entries are deleted; the run stops at the first store failure so
// the remaining entries keep their order.
func (a *app) replay(ctx context.Context, limit int) (replayResult, error) {
	var res replayResult
	entries, err := a.deadLetters.List(ctx, limit)
	if err != nil {
		return res, err
	}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		err := a.pipeline.Process(ctx, e.Task)
		switch {
		case err == nil:
			res.replayed++
		case usecase.IsStoreFailure(err):
			res.remaining, _ = a.deadLetters.Count(ctx)
			return res, fmt.Errorf("replay entry %d: %w", e.ID, err)
		default:
			res.discarded++
			a.logger.Warn("dead letter cannot be processed, discarding",
				"id", e.ID, "tenant", e.Task.Tenant, "reason", e.Reason, "code", usecase.ErrorCodeOf(err), "err", err)
		}
		if err := a.deadLetters.Delete(ctx, e.ID); err != nil {
			return res, err
		}
	}
	res.remaining, err = a.deadLetters.Count(ctx)
	return res, err
}
