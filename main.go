/*
 * axpsmp - Main process.
 *
 * Copyright 2024, Richard Cornwell
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in
 * all copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 */

package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	pflag "github.com/spf13/pflag"

	"github.com/rcornwell/axpsmp/command"
	"github.com/rcornwell/axpsmp/config"
	"github.com/rcornwell/axpsmp/emu/device"
	"github.com/rcornwell/axpsmp/emu/memsys"
	logger "github.com/rcornwell/axpsmp/util/logger"
)

var Logger *slog.Logger

func main() {
	optConfig := pflag.StringP("config", "c", "", "Configuration file (JSONC); defaults built in if omitted")
	optCPUs := pflag.IntP("cpus", "n", 0, "Override cpu.count from the configuration")
	optLogFile := pflag.StringP("log", "l", "", "Log file")
	optDebug := pflag.BoolP("debug", "d", false, "Also echo debug-level log output to stderr")
	optConsole := pflag.BoolP("console", "i", true, "Start the interactive operator console")
	pflag.Parse()

	var file *os.File
	if *optLogFile != "" {
		file, _ = os.Create(*optLogFile)
	}
	programLevel := new(slog.LevelVar)
	programLevel.Set(slog.LevelDebug)
	debug := *optDebug
	Logger = slog.New(logger.NewHandler(file, &slog.HandlerOptions{Level: programLevel, AddSource: false}, &debug))
	slog.SetDefault(Logger)

	Logger.Info("axpsmp started")

	cfg, err := config.Load(*optConfig)
	if err != nil {
		Logger.Error(err.Error())
		os.Exit(1)
	}
	if *optCPUs > 0 {
		cfg.CPU.Count = *optCPUs
	}

	build, err := cfg.ToBuildConfig(map[string]device.Access{})
	if err != nil {
		Logger.Error(err.Error())
		os.Exit(1)
	}

	m, err := memsys.Build(build)
	if err != nil {
		Logger.Error("building memory system: " + err.Error())
		os.Exit(1)
	}
	defer m.Shutdown()

	Logger.Info("memory system online")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	if *optConsole {
		go func() {
			command.Run(m)
			close(done)
		}()
	} else {
		close(done)
	}

	select {
	case <-sigChan:
		Logger.Info("got quit signal")
	case <-done:
		Logger.Info("console exited")
	}

	Logger.Info("shutting down memory system")
}
