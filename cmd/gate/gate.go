/*
Copyright © 2020 NAME HERE <EMAIL ADDRESS>

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/naphtha/eastwood/pkg/config"
	"github.com/naphtha/eastwood/pkg/proxy"
)

// run loads configPath, bootstrapping a freshly generated template the
// first time it's missing, then starts whichever proxy role(s) the
// config names until a shutdown signal arrives.
func run(configPath string) error {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		tmpl, terr := config.Template()
		if terr != nil {
			return fmt.Errorf("generate config template: %w", terr)
		}
		if werr := os.WriteFile(configPath, []byte(tmpl), 0o600); werr != nil {
			return fmt.Errorf("write config template: %w", werr)
		}
		fmt.Fprintf(os.Stderr, "wrote a new configuration file to %s; edit it and run eastwood again\n", configPath)
		return nil
	} else if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}

	viper.SetConfigFile(configPath)
	viper.SetConfigType("toml")
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	var cfg config.Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}

	if err := initLogger(cfg.Global.Debug); err != nil {
		return fmt.Errorf("error initializing global logger: %w", err)
	}

	if err := config.Validate(&cfg); err != nil {
		return fmt.Errorf("error validating config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer func() { signal.Stop(sig); close(sig) }()
	go func() {
		s, ok := <-sig
		if !ok {
			return
		}
		zap.S().Infof("received %s signal, shutting down", s)
		cancel()
	}()

	return proxy.Run(ctx, &cfg)
}

func initLogger(debug bool) (err error) {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}

	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	l, err := cfg.Build()
	if err != nil {
		return err
	}
	zap.ReplaceGlobals(l)
	return nil
}
