package main

import (
	"context"

	"github.com/alecthomas/kong"
	"github.com/wolfeidau/ttsrunner/cmd/server/internal/commands"
)

var (
	version = "dev"
	cli     struct {
		Config  kong.ConfigFlag    `help:"Load flag values from a YAML file." type:"existingfile"`
		Debug   bool               `help:"Enable debug mode." env:"TTSRUNNER_DEBUG"`
		Version kong.VersionFlag   `help:"Print the version and exit."`
		Server  commands.ServerCmd `cmd:"" default:"withargs" help:"Start the synthesis job server"`
	}
)

func main() {
	ctx := context.Background()
	cmd := kong.Parse(&cli,
		kong.Name("ttsrunner"),
		kong.Description("Text to speech synthesis job server."),
		kong.Configuration(commands.YAMLConfig, "/etc/ttsrunner/config.yaml", "~/.config/ttsrunner/config.yaml"),
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(&commands.Globals{Debug: cli.Debug, Version: version})
	cmd.FatalIfErrorf(err)
}
