// Command pagebuilder runs a single landing-page build: it loads the
// policy file, wires the resilience client, validators, and generator,
// executes one build request, and writes the accepted bundle to disk.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/LiranRouzentur/DynamicBusinessLandingPage-sub000/internal/build"
	"github.com/LiranRouzentur/DynamicBusinessLandingPage-sub000/internal/generation"
	"github.com/LiranRouzentur/DynamicBusinessLandingPage-sub000/internal/netfetch"
	"github.com/LiranRouzentur/DynamicBusinessLandingPage-sub000/internal/policy"
	"github.com/LiranRouzentur/DynamicBusinessLandingPage-sub000/internal/validation"
)

var (
	policyPath  = flag.String("policy", "policy.yaml", "Path to the policy file")
	requestPath = flag.String("request", "request.json", "Path to the build request JSON")
	outputDir   = flag.String("out", "bundle", "Directory to write the accepted bundle into")
	redisAddr   = flag.String("redis", "", "Optional Redis address for the validation memo store")
	maxAttempts = flag.Int("max-attempts", 3, "Generation attempt budget per build")
	verbose     = flag.Bool("v", false, "Debug logging")
)

func main() {
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if err := run(); err != nil {
		slog.Error("build failed", "error", err)

		var failure *build.BuildFailedError
		if errors.As(err, &failure) {
			for _, verr := range failure.Errors {
				fmt.Fprintf(os.Stderr, "%s\n", verr.Error())
			}
		}
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	manager := policy.NewManager(*policyPath)
	watcher, err := policy.NewWatcher(manager)
	if err != nil {
		slog.Warn("policy watcher unavailable, falling back to polling", "error", err)
	} else {
		defer watcher.Close()
	}

	var redisClient *redis.Client
	if *redisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: *redisAddr})
		defer redisClient.Close()
	}
	memo := validation.NewMemoStore(manager, redisClient)

	fetcher := netfetch.NewClient(netfetch.DefaultClientConfig(), manager, &http.Client{})
	defer fetcher.Close()

	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return errors.New("OPENAI_API_KEY is not set")
	}
	genCfg := generation.DefaultOpenAIConfig()
	genCfg.APIKey = apiKey
	if model := os.Getenv("OPENAI_MODEL"); model != "" {
		genCfg.Model = model
	}
	generator := generation.NewOpenAIGenerator(genCfg)

	aggregator := validation.NewAggregator(memo,
		validation.NewStructuralValidator(manager, manager.GetLimits),
	)

	dispatcher := build.NewProgressDispatcher(build.ProgressSinkFunc(func(ev build.ProgressEvent) {
		slog.Info("build progress",
			"build_id", ev.BuildID,
			"phase", ev.Phase.String(),
			"detail", ev.Detail)
	}), 0, 0)
	defer dispatcher.Close()

	decision := build.DefaultDecisionConfig()
	decision.MaxAttempts = *maxAttempts

	orchestrator := build.NewOrchestrator(generator, aggregator, fetcher, manager, dispatcher, decision)

	req, err := loadRequest(*requestPath)
	if err != nil {
		return fmt.Errorf("load request: %w", err)
	}

	started := time.Now()
	result, err := orchestrator.Run(ctx, req)
	if err != nil {
		return err
	}

	if err := writeBundle(*outputDir, result); err != nil {
		return fmt.Errorf("write bundle: %w", err)
	}

	slog.Info("build accepted",
		"build_id", result.State.ID(),
		"attempts", result.Report.Attempts,
		"warnings", len(result.Report.Warnings),
		"bundle_bytes", result.Artifact.Size(),
		"content_hash", result.Artifact.ContentHash(),
		"elapsed", time.Since(started))
	for _, warn := range result.Report.Warnings {
		slog.Warn("accepted with warning", "code", warn.Code, "hint", warn.Hint)
	}
	return nil
}

func loadRequest(path string) (*build.BuildRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var req build.BuildRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &req, nil
}

func writeBundle(dir string, result *build.BuildResult) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte(result.Artifact.Markup), 0o644); err != nil {
		return err
	}
	for path, content := range result.Artifact.Assets {
		// Asset paths come from the generator and are untrusted: anything
		// that would resolve outside the bundle directory is rejected.
		if !filepath.IsLocal(path) {
			return fmt.Errorf("asset path %q escapes the bundle directory", path)
		}
		target := filepath.Join(dir, path)
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
			return err
		}
	}
	report, err := json.MarshalIndent(result.Report, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "report.json"), report, 0o644)
}
