package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/lessonreel/backend/internal/app"
)

func main() {
	ctx := context.Background()
	if err := app.Run(ctx, os.Args[1:]); err != nil {
		slog.Error("lessonreel exited", "error", err)
		os.Exit(1)
	}
}
