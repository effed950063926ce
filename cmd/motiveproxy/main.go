package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hrygo/motiveproxy/internal/profile"
	"github.com/hrygo/motiveproxy/internal/version"
	"github.com/hrygo/motiveproxy/server"
)

var rootCmd = &cobra.Command{
	Use:     "motiveproxy",
	Short:   `A human-in-the-loop rendezvous proxy speaking the OpenAI Chat Completions protocol. Two clients naming the same model are paired into one turn-taking conversation.`,
	Version: version.StringFull(),
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		// Try to load .env file from current directory (ignore error if file doesn't exist)
		_ = godotenv.Load()
		return nil
	},
	Run: func(_ *cobra.Command, _ []string) {
		instanceProfile := &profile.Profile{
			Mode:     viper.GetString("mode"),
			Addr:     viper.GetString("addr"),
			Port:     viper.GetInt("port"),
			LogLevel: viper.GetString("log-level"),
			Version:  version.GetCurrentVersion(viper.GetString("mode")),
		}
		instanceProfile.FromEnv()
		if err := instanceProfile.Validate(); err != nil {
			panic(err)
		}
		slog.SetLogLoggerLevel(instanceProfile.SlogLevel())

		ctx, cancel := context.WithCancel(context.Background())
		s, err := server.NewServer(ctx, instanceProfile)
		if err != nil {
			cancel()
			slog.Error("failed to create server", "error", err)
			return
		}

		c := make(chan os.Signal, 1)
		// Trigger graceful shutdown on SIGINT or SIGTERM. The default signal
		// sent by the `kill` command is SIGTERM, which is taken as the
		// graceful shutdown signal by most process managers.
		signal.Notify(c, terminationSignals...)

		if err := s.Start(ctx); err != nil {
			slog.Error("failed to start server", "error", err)
			cancel()
			return
		}

		printGreetings(instanceProfile)

		go func() {
			<-c
			s.Shutdown(ctx)
			cancel()
		}()

		// Wait for CTRL-C.
		<-ctx.Done()
	},
}

func init() {
	viper.SetDefault("mode", "dev")
	viper.SetDefault("port", 8000)
	viper.SetDefault("log-level", "info")

	rootCmd.PersistentFlags().String("mode", "dev", `mode of server, can be "prod" or "dev" or "demo"`)
	rootCmd.PersistentFlags().String("addr", "", "address of server")
	rootCmd.PersistentFlags().Int("port", 8000, "port of server")
	rootCmd.PersistentFlags().String("log-level", "info", "log verbosity (debug, info, warn, error)")

	for _, flag := range []string{"mode", "addr", "port", "log-level"} {
		if err := viper.BindPFlag(flag, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("motiveproxy")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
}

func printGreetings(profile *profile.Profile) {
	fmt.Printf("MotiveProxy %s started successfully!\n", profile.Version)
	fmt.Printf("Mode: %s\n", profile.Mode)

	host := profile.Addr
	if host == "" {
		host = "localhost"
	}
	fmt.Printf("Server running on %s:%d\n", host, profile.Port)
	fmt.Printf("Chat endpoint: http://%s:%d/v1/chat/completions\n", host, profile.Port)
	fmt.Println()
	fmt.Println("The model field names the session: two clients using the same value are paired.")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		panic(err)
	}
}
