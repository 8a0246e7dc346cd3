package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/heptiolabs/healthcheck"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"OpenPlugin-Server/internal/api"
	"OpenPlugin-Server/internal/builtin"
	"OpenPlugin-Server/internal/config"
	xerrors "OpenPlugin-Server/internal/errors"
	"OpenPlugin-Server/internal/errorsink"
	"OpenPlugin-Server/internal/ingest"
	"OpenPlugin-Server/internal/observability/alerting"
	"OpenPlugin-Server/internal/observability/metrics"
	"OpenPlugin-Server/internal/pluginconfig"
	"OpenPlugin-Server/internal/reload"
	"OpenPlugin-Server/internal/runtime"
	"OpenPlugin-Server/internal/storage"
	"OpenPlugin-Server/internal/storage/mysql"
	redisstore "OpenPlugin-Server/internal/storage/redis"
	"OpenPlugin-Server/pkg/logger"
	"OpenPlugin-Server/pkg/plugin"
)

// main 是插件服务守护进程的入口。
func main() {
	configPath := flag.String("config", "", "配置文件路径，默认读取 "+config.EnvConfigPath)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("pluginsd 运行失败: %v", err)
	}
}

// resources 汇总需要在退出时释放的连接。
type resources struct {
	db      *sql.DB
	redis   *goredis.Client
	closers []func() error
}

func (r *resources) close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			logger.L().Warn("释放资源失败", slog.Any("error", err))
		}
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
			Compress:   cfg.Logging.Audit.Compress,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()

	res := &resources{}
	defer res.close()
	if err := connect(ctx, cfg, res); err != nil {
		return err
	}

	collector := metrics.NewCollector(cfg.Metrics.Namespace)
	source, err := configSource(cfg, res)
	if err != nil {
		return err
	}
	backend, err := storageBackend(cfg, res)
	if err != nil {
		return err
	}
	dispatcher := alertDispatcher(cfg)

	static := plugin.NewStaticLoader()
	builtin.Register(static)
	loader := plugin.MuxLoader{
		plugin.SourceLua:    plugin.LuaLoader{CallStackSize: cfg.Plugins.LuaCallStackSize},
		plugin.SourceGo:     plugin.GoPluginLoader{},
		plugin.SourceStatic: static,
	}

	host := runtime.NewHost(source, loader,
		runtime.WithWorkers(cfg.Runtime.Workers),
		runtime.WithTasksPerWorker(cfg.Runtime.TasksPerWorker),
		runtime.WithCallTimeout(cfg.Runtime.CallTimeout),
		runtime.WithIsolation(plugin.CapabilityIsolation{}, cfg.Plugins.IsolationPolicy()),
		runtime.WithStorage(backend),
		runtime.WithErrorSink(errorSink(cfg, res, dispatcher)),
		runtime.WithMetrics(collector),
	)
	logger.Audit().Info("插件宿主已启动",
		slog.Int("workers", cfg.Runtime.Workers),
		slog.String("source", cfg.Plugins.Source),
		slog.String("storage", cfg.Storage.Backend))

	server := api.NewServer(cfg.Server.Address, host,
		api.WithCollector(collector, cfg.Metrics.Namespace),
		api.WithShutdownTimeout(cfg.Server.ShutdownTimeout))
	if res.db != nil {
		server.AddReadinessCheck("mysql", healthcheck.DatabasePingCheck(res.db, time.Second))
	}
	if res.redis != nil {
		client := res.redis
		server.AddReadinessCheck("redis", healthcheck.Timeout(func() error {
			return client.Ping(context.Background()).Err()
		}, time.Second))
	}

	var processor *ingest.Processor
	if cfg.Ingest.Enabled {
		processor, err = ingestProcessor(cfg, res, host, collector, dispatcher)
		if err != nil {
			return errors.Join(err, host.Stop(context.Background()))
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCanceled(server.Start(gctx)) })
	if cfg.Reload.PubSub {
		watcher := reload.NewPubSubWatcher(res.redis, cfg.Reload.Channel, host)
		g.Go(func() error { return ignoreCanceled(watcher.Run(gctx)) })
	}
	if cfg.Reload.PollInterval > 0 {
		watcher := reload.NewPollWatcher(source, cfg.Reload.PollInterval, host)
		g.Go(func() error { return ignoreCanceled(watcher.Run(gctx)) })
	}
	if processor != nil {
		g.Go(func() error { return ignoreCanceled(processor.Start(gctx)) })
	}

	runErr := g.Wait()

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()
	stopErr := host.Stop(stopCtx)
	return errors.Join(runErr, stopErr)
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func connect(ctx context.Context, cfg *config.Config, res *resources) error {
	if cfg.NeedsMySQL() {
		db, err := mysql.Open(ctx, mysql.Config{
			DSN:             cfg.MySQL.DSN,
			MaxOpenConns:    cfg.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.MySQL.MaxIdleConns,
			ConnMaxLifetime: cfg.MySQL.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.MySQL.ConnMaxIdleTime,
			AutoMigrate:     !cfg.MySQL.SkipMigrations,
		})
		if err != nil {
			return err
		}
		res.db = db
		res.closers = append(res.closers, db.Close)
	}
	if cfg.NeedsRedis() {
		client, err := redisstore.NewClient(ctx, redisstore.Config{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return err
		}
		res.redis = client
		res.closers = append(res.closers, client.Close)
	}
	return nil
}

func configSource(cfg *config.Config, res *resources) (pluginconfig.Source, error) {
	var source pluginconfig.Source
	switch cfg.Plugins.Source {
	case "mysql":
		source = mysql.NewConfigSource(res.db)
	case "yaml":
		yamlSource, err := pluginconfig.NewYAMLSource(cfg.Plugins.File)
		if err != nil {
			return nil, err
		}
		source = yamlSource
	default:
		return nil, fmt.Errorf("未知的插件配置来源: %s", cfg.Plugins.Source)
	}
	return pluginconfig.NewDeduplicated(source, pluginconfig.WithMaxElapsed(cfg.Plugins.FetchMaxElapsed)), nil
}

func storageBackend(cfg *config.Config, res *resources) (storage.Backend, error) {
	switch cfg.Storage.Backend {
	case "memory":
		return storage.NewMemoryBackend(), nil
	case "redis":
		return redisstore.NewBackend(res.redis, cfg.Redis.Prefix), nil
	case "mysql":
		return mysql.NewPluginStorage(res.db), nil
	default:
		return nil, fmt.Errorf("未知的存储后端: %s", cfg.Storage.Backend)
	}
}

func alertDispatcher(cfg *config.Config) alerting.Dispatcher {
	if !cfg.Alerting.Enabled {
		return nil
	}
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if cfg.Alerting.DingTalkWebhook != "" {
		notifiers = append(notifiers, &alerting.DingTalkNotifier{
			Sender: &alerting.WebhookSender{URL: cfg.Alerting.DingTalkWebhook},
		})
	}
	if cfg.Alerting.SlackWebhook != "" {
		notifiers = append(notifiers, &alerting.SlackNotifier{
			Sender:    &alerting.SlackWebhookSender{WebhookSender: alerting.WebhookSender{URL: cfg.Alerting.SlackWebhook}},
			ChannelID: cfg.Alerting.SlackChannel,
		})
	}
	return alerting.NewFanout(notifiers...)
}

func errorSink(cfg *config.Config, res *resources, dispatcher alerting.Dispatcher) errorsink.Sink {
	var sink errorsink.Sink = errorsink.LogSink{}
	if cfg.Storage.ErrorSink == "mysql" {
		sink = errorsink.Multi{
			errorsink.LogSink{},
			errorsink.Retrying{Sink: mysql.NewErrorSink(res.db)},
		}
	}
	if dispatcher == nil {
		return sink
	}
	return errorsink.Alerting{
		Sink:       sink,
		Dispatcher: dispatcher,
		Codes: map[errorsink.Stage]xerrors.Code{
			errorsink.StageSetup:    runtime.CodePluginSetupFailed,
			errorsink.StageProcess:  runtime.CodePluginProcessFailed,
			errorsink.StageTeardown: runtime.CodePluginTeardownFailed,
		},
	}
}

func ingestProcessor(cfg *config.Config, res *resources, host *runtime.Host, collector *metrics.Collector, dispatcher alerting.Dispatcher) (*ingest.Processor, error) {
	opts := []ingest.ProcessorOption{
		ingest.WithWorkerCount(cfg.Ingest.Workers),
		ingest.WithObserver(collector),
		ingest.WithAlertDispatcher(dispatcher),
	}
	var input ingest.Consumer
	switch cfg.Ingest.Driver {
	case "memory":
		// 进程内队列没有外部生产者，仅用于本地联调。
		queue := ingest.NewMemoryQueue(cfg.Ingest.MemorySize)
		res.closers = append(res.closers, queue.Close)
		input = queue
	case "redis":
		input = ingest.NewRedisQueueWithClient(res.redis, cfg.Ingest.InputQueue, cfg.Ingest.BlockWait)
		opts = append(opts, ingest.WithOutput(ingest.NewRedisQueueWithClient(res.redis, cfg.Ingest.OutputQueue, cfg.Ingest.BlockWait)))
	case "rabbitmq":
		rabbit := func(queue string) (*ingest.RabbitMQQueue, error) {
			q, err := ingest.NewRabbitMQQueue(ingest.RabbitMQConfig{
				URL:        cfg.Ingest.RabbitMQ.URL,
				Queue:      queue,
				Prefetch:   cfg.Ingest.RabbitMQ.Prefetch,
				Durable:    cfg.Ingest.RabbitMQ.Durable,
				AutoDelete: cfg.Ingest.RabbitMQ.AutoDelete,
			})
			if err != nil {
				return nil, err
			}
			res.closers = append(res.closers, q.Close)
			return q, nil
		}
		in, err := rabbit(cfg.Ingest.InputQueue)
		if err != nil {
			return nil, err
		}
		out, err := rabbit(cfg.Ingest.OutputQueue)
		if err != nil {
			return nil, err
		}
		input = in
		opts = append(opts, ingest.WithOutput(out))
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Ingest.Driver)
	}
	logger.L().Info("事件摄取已配置", slog.String("driver", cfg.Ingest.Driver), slog.String("input", cfg.Ingest.InputQueue))
	return ingest.NewProcessor(host, input, opts...), nil
}
