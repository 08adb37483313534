package main

import (
	"flag"

	"go.uber.org/fx"

	"github.com/veilchat/veil/internal/app"
	"github.com/veilchat/veil/internal/config"
)

func main() {
	dataDir := flag.String("data-dir", config.BaseDir(), "data directory")
	flag.Parse()

	fx.New(
		app.Module(app.Params{DataDir: *dataDir}),
	).Run()
}
