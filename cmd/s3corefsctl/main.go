// Command s3corefsctl is a reference wiring binary exercising the core
// packages end to end: it is not the FUSE-adapter/CLI-wrapper the core
// treats as an external collaborator, but a small standalone tool for
// poking at a bucket through the same ObjectCache/Request/BucketReader
// path a real adapter would use.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	cargoships3 "github.com/scttfrdmn/cargoship/pkg/aws/s3"
	awscargoconfig "github.com/scttfrdmn/cargoship/pkg/aws/config"

	"github.com/objectfs/s3corefs/internal/bucket"
	"github.com/objectfs/s3corefs/internal/cache"
	"github.com/objectfs/s3corefs/internal/circuitbreaker"
	"github.com/objectfs/s3corefs/internal/config"
	"github.com/objectfs/s3corefs/internal/fsctx"
	"github.com/objectfs/s3corefs/internal/logging"
	"github.com/objectfs/s3corefs/internal/metrics"
	"github.com/objectfs/s3corefs/internal/openfile"
	"github.com/objectfs/s3corefs/internal/request"
	"github.com/objectfs/s3corefs/internal/retry"
	"github.com/objectfs/s3corefs/internal/serviceprofile"
	"github.com/objectfs/s3corefs/internal/signer"
	"github.com/objectfs/s3corefs/internal/volumekey"
	"github.com/objectfs/s3corefs/internal/workerpool"
	"github.com/objectfs/s3corefs/pkg/types"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	fs := flag.NewFlagSet(os.Args[1], flag.ExitOnError)
	configPath := fs.String("config", "s3corefs.yaml", "path to configuration file")
	fs.Parse(os.Args[2:])
	args := fs.Args()

	cfg, err := config.LoadFromFile(*configPath)
	if err != nil {
		fatal(err)
	}
	if err := cfg.LoadFromEnv(); err != nil {
		fatal(err)
	}
	log := logging.New(cfg.Logging.Level, cfg.Logging.Format)

	w, err := wire(cfg, log)
	if err != nil {
		fatal(err)
	}
	defer w.pool.Close()

	ctx := context.Background()

	switch os.Args[1] {
	case "stat":
		requireArgs(args, 1, "stat <path>")
		runStat(ctx, w, args[0])
	case "ls":
		requireArgs(args, 1, "ls <prefix>")
		runLs(ctx, w, args[0])
	case "get":
		requireArgs(args, 2, "get <path> <local-file>")
		runGet(ctx, w, args[0], args[1])
	case "put":
		requireArgs(args, 2, "put <local-file> <path>")
		runPut(ctx, w, args[0], args[1])
	case "serve-metrics":
		runServeMetrics(cfg, log, w.stats)
	case "vk-list":
		runVKList(ctx, w)
	case "vk-generate":
		requireArgs(args, 2, "vk-generate <id> <wrap-key-hex>")
		runVKGenerate(ctx, w, args[0], args[1])
	case "vk-rotate":
		requireArgs(args, 4, "vk-rotate <old-id> <new-id> <old-wrap-key-hex> <new-wrap-key-hex>")
		runVKRotate(ctx, w, args[0], args[1], args[2], args[3])
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: s3corefsctl <stat|ls|get|put|serve-metrics|vk-list|vk-generate|vk-rotate> [-config path] [args...]")
}

func requireArgs(args []string, n int, usage string) {
	if len(args) < n {
		fmt.Fprintf(os.Stderr, "usage: s3corefsctl %s\n", usage)
		os.Exit(2)
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}

// wiring holds the constructed core: context, worker pool, cache,
// metrics collector and logger.
type wiring struct {
	fsctx  *fsctx.Context
	pool   *workerpool.Pool
	cache  *cache.Cache
	stats  *metrics.Collector
	logger *slog.Logger
}

func wire(cfg *config.Configuration, log *slog.Logger) (*wiring, error) {
	profile := serviceprofile.New(serviceprofile.Config{
		Endpoint:                   cfg.Bucket.Endpoint,
		Bucket:                     cfg.Bucket.Name,
		PathStyle:                  cfg.Bucket.PathStyle,
		HeaderPrefix:               cfg.Bucket.HeaderPrefix,
		MultipartUploadSupported:   cfg.Bucket.MultipartUploadSupported,
		MultipartDownloadSupported: cfg.Bucket.MultipartDownloadSupported,
		NextMarkerSupported:        cfg.Bucket.NextMarkerSupported,
	})

	var s types.Signer
	if cfg.Auth.Scheme == "sigv4" {
		s = signer.NewSigV4Signer(cfg.Auth.AccessKey, cfg.Auth.SecretKey, cfg.Bucket.Region, cfg.Auth.Service)
	} else {
		s = &signer.LegacyAuthSigner{AccessKey: cfg.Auth.AccessKey, SecretKey: cfg.Auth.SecretKey}
	}

	fctx := &fsctx.Context{
		Signer:           s,
		Profile:          profile,
		VendorMetaPrefix: cfg.Cache.VendorMetaPrefix,
		ReservedPrefix:   cfg.Cache.ReservedPrefix,
		AmzHeaderPrefix:  cfg.Cache.AmzHeaderPrefix,
		DefaultUID:       cfg.Cache.DefaultUID,
		DefaultGID:       cfg.Cache.DefaultGID,
		DefaultFileMode:  cfg.Cache.DefaultFileMode,
		DefaultDirMode:   cfg.Cache.DefaultDirMode,
		ExpiryTTL:        cfg.Cache.ExpiryTTL,
		RequestTimeout:   cfg.Network.RequestTimeout,
	}

	collector := metrics.New()

	httpClient := &http.Client{Timeout: cfg.Network.RequestTimeout + 5*time.Second}
	pool := workerpool.New(fctx, httpClient, cfg.Network.WorkerPoolSize, cfg.Network.SupervisorInterval,
		workerpool.WithLogger(log),
		workerpool.WithMetrics(collector),
	)

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(cfg.Bucket.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.Auth.AccessKey, cfg.Auth.SecretKey, "")),
	)
	if err != nil {
		return nil, err
	}
	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = &cfg.Bucket.Endpoint
		o.UsePathStyle = cfg.Bucket.PathStyle
	})
	transporter := cargoships3.NewTransporter(s3Client, awscargoconfig.S3Config{
		Bucket:             cfg.Bucket.Name,
		MultipartThreshold: 32 * 1024 * 1024,
		MultipartChunkSize: 16 * 1024 * 1024,
		Concurrency:        cfg.Network.WorkerPoolSize,
	})

	ofMgr := &openfile.Manager{
		Client:      s3Client,
		Transporter: transporter,
		Bucket:      cfg.Bucket.Name,
		ScratchDir:  cfg.Network.ScratchDir,
	}

	oc := cache.New(fctx, pool, ofMgr.New,
		cache.WithRetry(retry.New(retry.DefaultConfig(), nil, retry.WithLogger(log))),
		cache.WithCircuitBreaker(circuitbreaker.New(circuitbreaker.DefaultConfig())),
		cache.WithLogger(log),
		cache.WithHandleGauge(collector.OpenHandles),
	)

	startMetricsSync(oc, collector)

	return &wiring{fsctx: fctx, pool: pool, cache: oc, stats: collector, logger: log}, nil
}

// startMetricsSync polls the cache's cumulative hit/miss/expiry counters
// into the Prometheus collector every few seconds for the lifetime of the
// process.
func startMetricsSync(oc *cache.Cache, collector *metrics.Collector) {
	var prevHits, prevMisses, prevExpiries uint64
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			collector.Sync(&prevHits, &prevMisses, &prevExpiries, oc)
		}
	}()
}

func runStat(ctx context.Context, w *wiring, path string) {
	obj, err := w.cache.Get(ctx, path, cache.HintNone)
	if err != nil {
		logging.LogError(w.logger, "stat", err)
		fatal(err)
	}
	st := obj.Stat()
	fmt.Printf("path=%s type=%s mode=%04o uid=%d gid=%d size=%d mtime=%s\n",
		obj.Path(), obj.Type(), st.Mode&0777, st.UID, st.GID, st.Size, st.Mtime.Format(time.RFC3339))
}

func runLs(ctx context.Context, w *wiring, prefix string) {
	reader := bucket.NewReader(w.fsctx, prefix, true, 0)
	err := w.pool.Dispatch(ctx, func(rctx context.Context, req *request.Request) error {
		for !reader.Done() {
			var keys, prefixes []string
			if _, err := reader.Read(rctx, req, &keys, &prefixes); err != nil {
				return err
			}
			for _, p := range prefixes {
				fmt.Println(p)
			}
			for _, k := range keys {
				fmt.Println(k)
			}
		}
		return nil
	})
	if err != nil {
		logging.LogError(w.logger, "ls", err)
		fatal(err)
	}
}

func runGet(ctx context.Context, w *wiring, remotePath, localPath string) {
	handle, err := w.cache.OpenHandle(ctx, remotePath)
	if err != nil {
		logging.LogError(w.logger, "get", err)
		fatal(err)
	}
	defer w.cache.ReleaseHandle(ctx, handle)

	of, ok := w.cache.GetFile(handle)
	if !ok {
		fatal(fmt.Errorf("handle %d vanished", handle))
	}
	reader, ok := of.(interface {
		ReadAt(p []byte, off int64) (int, error)
	})
	if !ok {
		fatal(fmt.Errorf("open file does not support reads"))
	}

	obj, err := w.cache.Get(ctx, remotePath, cache.HintFile)
	if err != nil {
		logging.LogError(w.logger, "get", err)
		fatal(err)
	}

	out, err := os.Create(localPath)
	if err != nil {
		fatal(err)
	}
	defer out.Close()

	buf := make([]byte, 32*1024)
	var off int64
	size := obj.Stat().Size
	for off < size {
		n, err := reader.ReadAt(buf, off)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				fatal(werr)
			}
			off += int64(n)
		}
		if err != nil {
			break
		}
	}
}

func runPut(ctx context.Context, w *wiring, localPath, remotePath string) {
	in, err := os.Open(localPath)
	if err != nil {
		fatal(err)
	}
	defer in.Close()

	handle, err := w.cache.OpenHandle(ctx, remotePath)
	if err != nil {
		logging.LogError(w.logger, "put", err)
		fatal(err)
	}

	of, ok := w.cache.GetFile(handle)
	if !ok {
		fatal(fmt.Errorf("handle %d vanished", handle))
	}
	writer, ok := of.(interface {
		WriteAt(p []byte, off int64) (int, error)
	})
	if !ok {
		fatal(fmt.Errorf("open file does not support writes"))
	}

	buf := make([]byte, 32*1024)
	var off int64
	for {
		n, rerr := in.Read(buf)
		if n > 0 {
			if _, werr := writer.WriteAt(buf[:n], off); werr != nil {
				fatal(werr)
			}
			off += int64(n)
		}
		if rerr != nil {
			break
		}
	}

	if err := w.cache.ReleaseHandle(ctx, handle); err != nil {
		logging.LogError(w.logger, "put", err)
		fatal(err)
	}
}

// runVKList prints every non-temporary in-bucket volume key id.
func runVKList(ctx context.Context, w *wiring) {
	err := w.pool.Dispatch(ctx, func(rctx context.Context, req *request.Request) error {
		ids, err := volumekey.GetKeys(rctx, w.fsctx, req)
		if err != nil {
			return err
		}
		for _, id := range ids {
			fmt.Println(id)
		}
		return nil
	})
	if err != nil {
		logging.LogError(w.logger, "vk-list", err)
		fatal(err)
	}
}

// runVKGenerate creates a new random data key under id and commits it
// wrapped under wrapKeyHex (a hex-encoded AES-256 key-encryption key).
func runVKGenerate(ctx context.Context, w *wiring, id, wrapKeyHex string) {
	wrapKey, err := hex.DecodeString(wrapKeyHex)
	if err != nil {
		fatal(fmt.Errorf("wrap key must be hex-encoded: %w", err))
	}
	err = w.pool.Dispatch(ctx, func(rctx context.Context, req *request.Request) error {
		k, err := volumekey.Generate(rctx, req, id)
		if err != nil {
			return err
		}
		return k.Commit(rctx, w.fsctx, req, wrapKey)
	})
	if err != nil {
		logging.LogError(w.logger, "vk-generate", err)
		fatal(err)
	}
}

// runVKRotate unlocks oldID under oldWrapKeyHex, clones its data key to
// newID, commits the clone wrapped under newWrapKeyHex, and removes
// oldID once the new key is durably committed.
func runVKRotate(ctx context.Context, w *wiring, oldID, newID, oldWrapKeyHex, newWrapKeyHex string) {
	oldWrapKey, err := hex.DecodeString(oldWrapKeyHex)
	if err != nil {
		fatal(fmt.Errorf("old wrap key must be hex-encoded: %w", err))
	}
	newWrapKey, err := hex.DecodeString(newWrapKeyHex)
	if err != nil {
		fatal(fmt.Errorf("new wrap key must be hex-encoded: %w", err))
	}

	err = w.pool.Dispatch(ctx, func(rctx context.Context, req *request.Request) error {
		oldKey, err := volumekey.Fetch(rctx, req, oldID)
		if err != nil {
			return err
		}
		if oldKey == nil {
			return fmt.Errorf("no volume key with id %q", oldID)
		}
		if err := oldKey.Unlock(oldWrapKey); err != nil {
			return err
		}

		newKey, err := volumekey.Clone(rctx, req, oldKey, newID)
		if err != nil {
			return err
		}
		if err := newKey.Commit(rctx, w.fsctx, req, newWrapKey); err != nil {
			return err
		}
		return oldKey.Remove(rctx, req)
	})
	if err != nil {
		logging.LogError(w.logger, "vk-rotate", err)
		fatal(err)
	}
}

func runServeMetrics(cfg *config.Configuration, log interface{ Info(string, ...any) }, collector *metrics.Collector) {
	http.Handle("/metrics", collector.Handler())
	log.Info("serving metrics", "addr", cfg.Metrics.Addr)
	if err := http.ListenAndServe(cfg.Metrics.Addr, nil); err != nil {
		fatal(err)
	}
}
