package main

import (
	"context"

	"github.com/alecthomas/kong"
	"github.com/wolfeidau/tokengate/cmd/server/internal/commands"
)

var (
	version = "dev"
	cli     struct {
		Debug        bool                     `help:"Enable debug mode." env:"TOKENGATE_DEBUG"`
		Version      kong.VersionFlag
		Serve        commands.ServeCmd        `cmd:"" help:"Start the server (API + websocket)"`
		Revoke       commands.RevokeCmd       `cmd:"" help:"Revoke every token held by a user"`
		HashPassword commands.HashPasswordCmd `cmd:"" help:"Hash a password read from stdin"`
	}
)

func main() {
	ctx := context.Background()
	cmd := kong.Parse(&cli,
		kong.Name("tokengate"),
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(&commands.Globals{Debug: cli.Debug, Version: version})
	cmd.FatalIfErrorf(err)
}
