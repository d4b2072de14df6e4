package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"clashsub.com/p/internal/api"
	"clashsub.com/p/internal/config"
	"clashsub.com/p/internal/database"
	apperr "clashsub.com/p/internal/error"
	"clashsub.com/p/internal/logging"
	"clashsub.com/p/internal/service"
	"clashsub.com/p/internal/store"
	"clashsub.com/p/internal/subscription"
	"clashsub.com/p/internal/tunnel"
)

// currentSyncInterval serve 检查持久化的当前订阅是否被其他进程修改的周期
const currentSyncInterval = 2 * time.Second

const usage = `用法: clashsub [-config 路径] <命令> [参数]

命令:
  list                  列出所有订阅
  download <url>        下载新订阅
  update <id> | --all   更新订阅
  rename <id> <name>    修改订阅名称
  delete <id>           删除订阅
  select <id>           设为当前订阅
  ping <id>             测试订阅中所有节点的延迟
  serve                 运行控制接口、自动更新和隧道
`

func main() {
	configPath := flag.String("config", filepath.Join("data", "config.json"), "配置文件路径")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	if err := run(*configPath, flag.Arg(0), flag.Args()[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		if code := apperr.CodeOf(err); code != "" {
			fmt.Fprintf(os.Stderr, "错误码: %s\n", code)
		}
		os.Exit(1)
	}
}

// app 进程内的组件
type app struct {
	cfg       *config.Config
	logger    *logging.Logger
	logs      *api.LogBuffer
	log       *logrus.Entry
	store     *store.Store
	manager   *subscription.SubscriptionManager
	configSvc *service.ConfigService
	subs      *service.SubscriptionService
	servers   *service.ServerService
	tunnel    *tunnel.XrayTunnel
}

// newApp 初始化数据库和各组件。withTunnel 为 false 时切换订阅只持久化，不启动隧道。
func newApp(cfg *config.Config, console bool, withTunnel bool) (*app, error) {
	logs := api.NewLogBuffer(500)
	logger, err := logging.NewLogger(filepath.Join(cfg.DataDir, cfg.LogFile), console, cfg.LogLevel, logs.Add)
	if err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	log := logger.WithType(logging.LogTypeApp)

	if err := database.InitDB(cfg.DBPath()); err != nil {
		logger.Close()
		return nil, err
	}
	if err := database.InitDefaultConfig(cfg.LogLevel, cfg.IPv6Enable); err != nil {
		log.WithError(err).Warn("初始化默认配置失败")
	}

	st := store.NewStore()
	if err := st.LoadAll(); err != nil {
		database.CloseDB()
		logger.Close()
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, logs: logs, log: log, store: st}
	fetcher := subscription.NewHTTPFetcher(subscription.FetcherOptionsFromConfig(cfg), log)
	a.manager = subscription.NewSubscriptionManager(fetcher, st.Subscriptions, log)
	a.configSvc = service.NewConfigService(st)
	if err := a.configSvc.SaveDefaultDirectRoutes(); err != nil {
		log.WithError(err).Warn("保存默认直连路由失败")
	}

	var controller service.TunnelController
	if withTunnel {
		a.tunnel = tunnel.NewXrayTunnel(a.manager, a.configSvc, cfg.TunnelPort, logger.WithType(logging.LogTypeTunnel))
		controller = a.tunnel
	}
	selector := service.NewActiveSubscriptionSelector(st.AppConfig, st.Subscriptions, controller, log)
	a.subs = service.NewSubscriptionService(st, a.manager, selector, log)
	if cfg.UpdateParallelism > 0 {
		a.subs.Parallelism = cfg.UpdateParallelism
	}
	a.servers = service.NewServerService(a.subs, nil)
	return a, nil
}

func (a *app) close() {
	if a.tunnel != nil {
		_ = a.tunnel.Stop()
	}
	_ = database.CloseDB()
	a.logger.Close()
}

func run(configPath, cmd string, args []string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}

	serve := cmd == "serve"
	a, err := newApp(cfg, serve, serve)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case "list":
		return a.list()
	case "download":
		if len(args) != 1 {
			return errors.New("download 需要订阅地址")
		}
		sub, err := a.subs.Download(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("已下载订阅 %s (%s)\n", sub.ID, sub.Extend.Alias)
		return nil
	case "update":
		if len(args) != 1 {
			return errors.New("update 需要订阅 ID 或 --all")
		}
		if args[0] == "--all" {
			return a.updateAll(ctx)
		}
		sub, err := a.subs.Update(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("已更新订阅 %s，更新时间 %s\n", sub.ID, sub.Extend.LeastUpdated.Format(time.DateTime))
		return nil
	case "rename":
		if len(args) != 2 {
			return errors.New("rename 需要订阅 ID 和新名称")
		}
		sub, err := a.subs.Rename(args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Printf("订阅 %s 已重命名为 %s\n", sub.ID, sub.Extend.Alias)
		return nil
	case "delete":
		if len(args) != 1 {
			return errors.New("delete 需要订阅 ID")
		}
		if err := a.subs.Delete(args[0]); err != nil {
			return err
		}
		fmt.Printf("已删除订阅 %s\n", args[0])
		return nil
	case "select":
		if len(args) != 1 {
			return errors.New("select 需要订阅 ID")
		}
		if err := a.subs.Select(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("当前订阅: %s\n", args[0])
		return nil
	case "ping":
		if len(args) != 1 {
			return errors.New("ping 需要订阅 ID")
		}
		return a.ping(ctx, args[0])
	case "serve":
		return a.serve(ctx, configPath)
	default:
		return fmt.Errorf("未知命令: %s", cmd)
	}
}

func (a *app) list() error {
	current := a.subs.Current()
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "\tID\t名称\t更新时间\t来源")
	for _, sub := range a.subs.List() {
		mark := ""
		if sub.ID == current {
			mark = "*"
		}
		updated := "-"
		if !sub.Extend.LeastUpdated.IsZero() {
			updated = sub.Extend.LeastUpdated.Format(time.DateTime)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", mark, sub.ID, sub.Extend.Alias, updated, sub.Source)
	}
	return w.Flush()
}

func (a *app) updateAll(ctx context.Context) error {
	results := a.subs.UpdateAll(ctx)
	failed := 0
	for _, sub := range a.subs.List() {
		err, ok := results[sub.ID]
		if !ok {
			continue
		}
		if err != nil {
			failed++
			fmt.Printf("%s\t失败\t%s\n", sub.ID, apperr.CodeOf(err))
			continue
		}
		fmt.Printf("%s\t成功\n", sub.ID)
	}
	if failed > 0 {
		return fmt.Errorf("%d 个订阅更新失败", failed)
	}
	return nil
}

func (a *app) ping(ctx context.Context, id string) error {
	delays, err := a.servers.TestDelays(ctx, id)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(delays))
	for name := range delays {
		names = append(names, name)
	}
	sort.Strings(names)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, name := range names {
		if delays[name] < 0 {
			fmt.Fprintf(w, "%s\t超时\n", name)
			continue
		}
		fmt.Fprintf(w, "%s\t%dms\n", name, delays[name])
	}
	return w.Flush()
}

// serve 运行控制接口、自动更新调度器和配置监控，直到收到退出信号。
func (a *app) serve(ctx context.Context, configPath string) error {
	if err := a.subs.SyncCurrent(ctx); err != nil {
		a.log.WithError(err).Warn("启动隧道失败")
	}

	a.log.WithField("file", a.logger.GetLogFilePath()).Info("日志文件")
	unsubscribe := a.store.Subscribe(func(e store.Event) {
		a.log.WithFields(logrus.Fields{"event": e.Kind.String(), "id": e.ID}).Debug("数据已变更")
	})
	defer unsubscribe()

	handlers := api.New(a.subs, a.servers, a.tunnel, a.log).WithLogs(a.logs)
	srv := &http.Server{
		Addr:              a.cfg.APIListen,
		Handler:           api.NewRouter(handlers, rate.Limit(20), 40),
		ReadHeaderTimeout: 10 * time.Second,
	}
	scheduler := service.NewScheduler(a.subs, a.cfg.UpdateInterval(), a.cfg.CheckInterval(), a.log)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.WithField("addr", srv.Addr).Info("控制接口已启动")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("控制接口运行失败: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		scheduler.Run(ctx)
		return nil
	})
	g.Go(func() error {
		// CLI 在另一个进程里切换或删除当前订阅时，隧道在下一个周期跟上
		ticker := time.NewTicker(currentSyncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if err := a.subs.SyncCurrent(ctx); err != nil {
					a.log.WithError(err).Warn("同步当前订阅失败")
				}
			}
		}
	})
	g.Go(func() error {
		return config.Watch(ctx, configPath, a.log, func(cfg *config.Config) {
			previous := a.logger.GetLogLevel()
			a.logger.SetLogLevel(cfg.LogLevel)
			// 隧道下次重启时使用新的日志级别
			if err := a.configSvc.SetLogLevel(cfg.LogLevel); err != nil {
				a.log.WithError(err).Warn("保存日志级别失败")
			}
			a.log.WithFields(logrus.Fields{
				"from": previous,
				"to":   a.logger.GetLogLevel(),
			}).Info("日志级别已更新")
		})
	})

	err := g.Wait()
	a.subs.WaitReloads()
	a.log.Info("已退出")
	return err
}
