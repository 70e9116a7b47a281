package main

import (
	"github.com/spf13/viper"
	"github.com/srand/grid/pkg/utils"
	"github.com/srand/grid/pkg/worker"
)

func LoadConfig() (*worker.WorkerConfig, error) {
	config := worker.DefaultConfig()

	err := utils.UnmarshalConfig(*viper.GetViper(), config)
	if err != nil {
		return nil, err
	}

	return config, nil
}
