package main

import (
	"os"

	"github.com/packhub/packhub/internal/client/api"
	"github.com/packhub/packhub/internal/client/cli"
	"github.com/packhub/packhub/internal/client/config"
)

func main() {

	cfg := config.LoadConfig()
	app := cli.NewApp(api.New(cfg), os.Stdout)

	cli.Execute(app)

}
