package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/cordum/davlock/core/infra/config"
	"github.com/cordum/davlock/core/infra/dynamoutil"
	"github.com/cordum/davlock/core/infra/locks"
	"github.com/cordum/davlock/core/infra/secrets"
	"github.com/cordum/davlock/core/infra/versions"
)

type stores struct {
	locks    locks.Store
	versions versions.Store
}

func (s stores) Close() error {
	var errs []error
	if s.locks != nil {
		errs = append(errs, s.locks.Close())
	}
	if s.versions != nil {
		errs = append(errs, s.versions.Close())
	}
	return errors.Join(errs...)
}

func openStores(ctx context.Context, cfg *config.Config) (stores, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return stores{locks: locks.NewMemoryStore(), versions: versions.NewMemoryStore()}, nil
	case config.BackendRedis:
		ls, err := locks.NewRedisStore(cfg.RedisURL)
		if err != nil {
			return stores{}, err
		}
		vs, err := versions.NewRedisStore(cfg.RedisURL)
		if err != nil {
			_ = ls.Close()
			return stores{}, err
		}
		return stores{locks: ls, versions: vs}, nil
	case config.BackendDynamo:
		client, err := dynamoutil.NewClient(ctx, cfg.AWSRegion, cfg.DynamoEndpoint)
		if err != nil {
			return stores{}, err
		}
		return stores{
			locks:    locks.NewDynamoStore(client, cfg.DynamoLockTable),
			versions: versions.NewDynamoStore(client, cfg.DynamoVersionTable),
		}, nil
	case config.BackendFile:
		ls, err := locks.NewFileStore(filepath.Join(cfg.FileRoot, "locks"))
		if err != nil {
			return stores{}, err
		}
		vs, err := versions.NewFileStore(filepath.Join(cfg.FileRoot, "versions"))
		if err != nil {
			return stores{}, err
		}
		return stores{locks: ls, versions: vs}, nil
	default:
		return stores{}, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

func newSecretResolver(ctx context.Context, cfg *config.Config) (secrets.Resolver, error) {
	switch cfg.SecretsProvider {
	case "", config.SecretsEnv:
		return secrets.EnvResolver{}, nil
	case config.SecretsSSM:
		var opts []func(*awsconfig.LoadOptions) error
		if cfg.AWSRegion != "" {
			opts = append(opts, awsconfig.WithRegion(cfg.AWSRegion))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		return secrets.NewSSMResolver(ssm.NewFromConfig(awsCfg)), nil
	default:
		return nil, fmt.Errorf("unknown secrets provider %q", cfg.SecretsProvider)
	}
}
