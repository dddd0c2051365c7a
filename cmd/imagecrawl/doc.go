// Package main hosts the imagecrawl entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, and run management endpoints. Submissions are
//     validated, recorded in the run history as queued, and handed to the dispatcher's bounded queue; lookups,
//     cancellation, and worker status ride the same router.
//   - Dispatcher & queue: runs flow through a bounded in-memory queue sized by queue.capacity and are drained by a
//     fixed worker pool sized by queue.workers. Each worker owns one crawl engine, so the pool size is also the
//     number of concurrent runs. Context cancellation stops workers cleanly on shutdown.
//   - Crawl pipeline: the engine walks pages depth-first from the root URI. Pages are fetched through the
//     Colly-based client (robots.txt enforcement optional) and promoted to a headless Chromedp render when the
//     detector flags a script-built shell. Image URLs are claimed in the artifact cache before download, so
//     concurrent runs over the same cache never fetch the same image twice; claimed images are downloaded with
//     retry, decoded, and stored together with any EXIF metadata.
//   - Transforms: configured transforms (null, grayscale, sepia, tint) run per downloaded image under their own
//     cache groups via the same claim protocol. Transform output is stored, never returned to the crawl.
//   - Persistence & fanout: artifacts live in the configured cache backend (memory/fs/GCS/Redis), run history in
//     memory/SQLite/Postgres, and a compact completion event is published to Pub/Sub or Kafka when a topic is
//     configured. Progress events are batched by the hub and fanned out to the log and Prometheus sinks.
//   - Configuration & plumbing: Viper populates config from defaults, an optional file, and IMAGECRAWL_* env
//     vars; zap provides structured logging; Prometheus metrics are exported via the metrics middleware and the
//     /metrics handler.
//
// Operational notes:
//   - Concurrency model: bounded queue + fixed worker pool; within a run the executor strategy (sequential,
//     pooled, cooperative) bounds page and image parallelism; headless renders have their own semaphore inside
//     the Chromedp fetcher. Shutdown is coordinated via context cancellation from Run through the dispatcher to
//     the workers.
//   - Politeness: per-host token-bucket rate limiting applies to page fetches and image downloads alike, hosts
//     serving repeated 403s are banned for the process lifetime, and robots.txt is honored unless disabled.
//   - Observability: zap logs carry run IDs and URIs at key transitions; Prometheus counters and histograms track
//     API, queue, cache claim, and crawl activity; the progress hub batches run lifecycle events for sinks.
//
// Quick checklist:
//   - Configure via flags, a --config file, or env vars: IMAGECRAWL_SERVER_ADDR, IMAGECRAWL_QUEUE_WORKERS,
//     IMAGECRAWL_CACHE_BACKEND, IMAGECRAWL_HISTORY_BACKEND, IMAGECRAWL_PUBLISHER_BACKEND, and
//     IMAGECRAWL_RENDERER_MODE cover the common deployments.
//   - Serve: imagecrawl serve --config config.yaml, then POST /v1/runs to start a crawl.
//   - One-shot: imagecrawl crawl https://example.com --depth 2 --cache fs; imagecrawl report renders the
//     accumulated history as markdown.
package main
