package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/goccy/go-json"

	"github.com/eleven-am/scene-backend/internal/vision"
)

var (
	dir       = flag.String("dir", "", "directory of JPEG/PNG frames to replay (required)")
	fps       = flag.Float64("fps", vision.DefaultTargetFPS, "analysis rate in frames per second")
	model     = flag.String("model", "llava", "vision model name")
	ollamaURL = flag.String("ollama", "http://localhost:11434", "Ollama base URL")
	interval  = flag.Duration("interval", 200*time.Millisecond, "delay between replayed frames")
	loop      = flag.Bool("loop", true, "restart from the first frame after the last")
	logLevel  = flag.String("log-level", "warn", "debug, info, warn or error")
)

func main() {
	flag.Parse()
	if *dir == "" {
		fmt.Fprintln(os.Stderr, "-dir is required")
		flag.Usage()
		os.Exit(2)
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "scenecli: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(*logLevel)}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	src, err := vision.NewDirSource(vision.DirSourceConfig{
		Dir:      *dir,
		Interval: *interval,
		Loop:     *loop,
	})
	if err != nil {
		return err
	}

	cfg := vision.Config{
		OllamaURL:    *ollamaURL,
		Model:        *model,
		TargetFPS:    *fps,
		RequestDelay: vision.DefaultRequestDelay,
	}
	client := vision.NewClient(cfg, logger)
	if !client.IsAvailable(ctx) {
		fmt.Fprintf(os.Stderr, "warning: %s is not reachable, analysis will fail until it is\n", *ollamaURL)
	}

	pipeline := vision.NewPipeline("cli", cfg, client, vision.EventSinkFunc(printEvent), logger)
	pipeline.Start(ctx)
	defer pipeline.Close()

	go func() {
		n, err := vision.Pump(ctx, src, pipeline, logger)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("frame source stopped", "error", err)
		}
		logger.Info("frame source finished", "accepted", n)
	}()

	fmt.Printf("replaying %d frames from %s at %.2f fps\n", src.Len(), *dir, *fps)
	fmt.Println("commands: scene, stats, reset, q; anything else is sent as a question")

	lines := make(chan string)
	go readLines(os.Stdin, lines)

	for {
		fmt.Print("> ")
		select {
		case <-ctx.Done():
			fmt.Println()
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleCommand(ctx, pipeline, strings.TrimSpace(line)); quit {
				return nil
			}
		}
	}
}

func readLines(r io.Reader, out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}

func handleCommand(ctx context.Context, pipeline *vision.Pipeline, line string) bool {
	switch strings.ToLower(line) {
	case "":
		return false
	case "q", "quit", "exit":
		return true
	case "scene":
		printJSON(pipeline.Snapshot())
	case "stats":
		printJSON(pipeline.Stats())
	case "reset":
		pipeline.Reset()
		fmt.Println("scene cleared")
	default:
		text, err := pipeline.Respond(ctx, line)
		if err != nil {
			fmt.Fprintf(os.Stderr, "query failed: %v\n", err)
			return false
		}
		fmt.Println(text)
	}
	return false
}

func printEvent(e vision.Event) {
	switch {
	case e.Error != "":
		fmt.Fprintf(os.Stderr, "\n[analysis failed] %s\n", e.Error)
	case e.Result != nil && e.Result.Degraded:
		fmt.Fprintln(os.Stderr, "\n[analysis unreadable, scene kept]")
	case e.Result != nil:
		names := make([]string, 0, len(e.Result.Objects))
		for _, o := range e.Result.Objects {
			names = append(names, o.Name)
		}
		fmt.Fprintf(os.Stderr, "\n[scene] %s (%s)\n", e.Result.SceneDescription, strings.Join(names, ", "))
	}
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "encode: %v\n", err)
		return
	}
	fmt.Println(string(data))
}

func parseLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelWarn
	}
	return l
}
