package main

import (
	"flag"
	"fmt"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/sssrecovery/api"
	"github.com/vultisig/sssrecovery/config"
	"github.com/vultisig/sssrecovery/storage"
)

func main() {
	configName := flag.String("config", "config", "config file name, without extension")
	flag.Parse()

	cfg, err := config.ReadConfig(*configName)
	if err != nil {
		panic(err)
	}
	logger := logrus.WithField("service", "sharenode").Logger

	var sdClient statsd.ClientInterface = &statsd.NoOpClient{}
	if cfg.Datadog.Host != "" {
		client, err := statsd.New(cfg.Datadog.Host + ":" + cfg.Datadog.Port)
		if err != nil {
			panic(err)
		}
		sdClient = client
	}

	var store storage.SecretStore
	switch cfg.Server.Storage {
	case "redis":
		redisStorage, err := storage.NewRedisStorage(*cfg, "sharenode:")
		if err != nil {
			panic(fmt.Sprintf("fail to connect to redis: %v", err))
		}
		store = redisStorage
	case "memory":
		logger.Warn("Using in-memory storage, shares are lost on restart")
		store = storage.NewMemoryStore("sharenode")
	default:
		panic(fmt.Sprintf("unknown server storage %q", cfg.Server.Storage))
	}

	server, err := api.NewServer(*cfg, store, sdClient, logger)
	if err != nil {
		panic(err)
	}
	if err := server.StartServer(); err != nil {
		panic(err)
	}
}
