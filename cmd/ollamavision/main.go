// ollamavision captions camera images with local Ollama vision models and
// exposes the results as sensors and events.
package main

import (
	"github.com/alecthomas/kong"
)

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("ollamavision"),
		kong.Description("Image descriptions from local Ollama vision models"),
		kong.UsageOnError(),
	)
	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
