package main

import (
	"os"

	"github.com/nuetzliches/schlange/internal/app"
)

func main() {
	os.Exit(app.Main(os.Args))
}
