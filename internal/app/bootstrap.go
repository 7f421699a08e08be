package app

import (
	"dbtasks/internal/config"
	"dbtasks/internal/runtime/supervisor"
)

// ---- Config ----

type Config = config.Config

type ConfigManager = config.ConfigManager

var NewConfigManager = config.NewConfigManager

var SummarizeConfigChange = config.SummarizeConfigChange

// ---- Runtime ----

type Supervisor = supervisor.Supervisor

type SupervisorSnapshot = supervisor.Snapshot

var NewSupervisor = supervisor.New

var WithLogger = supervisor.WithLogger

var WithCancelOnError = supervisor.WithCancelOnError
