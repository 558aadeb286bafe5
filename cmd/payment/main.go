package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/ewallet/payment/internal/audit"
	"github.com/ewallet/payment/internal/client"
	"github.com/ewallet/payment/internal/config"
	"github.com/ewallet/payment/internal/lock"
	"github.com/ewallet/payment/internal/metrics"
	"github.com/ewallet/payment/internal/recovery"
	"github.com/ewallet/payment/internal/repository"
	"github.com/ewallet/payment/internal/saga"
	"github.com/ewallet/payment/internal/service"
	commonerrors "github.com/ewallet/payment/pkg/errors"
	"github.com/ewallet/payment/pkg/health"
	"github.com/ewallet/payment/pkg/logger"
	"github.com/ewallet/payment/pkg/redis"
	"github.com/ewallet/payment/pkg/response"
	"github.com/ewallet/payment/pkg/snowflake"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.ServiceName, os.Stdout)

	if err := cfg.Validate(); err != nil {
		log.WithError(err).Error("invalid configuration")
		os.Exit(1)
	}
	log.Infof("starting service", map[string]interface{}{
		"port":   cfg.HTTPPort,
		"appEnv": cfg.AppEnv,
	})

	// 数据库
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		log.WithError(err).Error("open database failed")
		os.Exit(1)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		log.WithError(err).Error("ping database failed")
		os.Exit(1)
	}
	log.Info("connected to postgres")

	if cfg.DBAutoCreate {
		for _, stmt := range []string{
			repository.CreatePaymentTableSQL,
			repository.CreateStepTableSQL,
			audit.CreateTableSQL,
		} {
			if _, err := db.Exec(stmt); err != nil {
				log.WithError(err).Error("create tables failed")
				os.Exit(1)
			}
		}
		log.Info("schema ensured")
	}

	// Redis：锁不可用时支付仍然放行，由数据库唯一约束兜底
	var locker service.SagaLocker
	redisCli, err := redis.NewClient(&redis.Config{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		PoolSize:     redis.DefaultConfig.PoolSize,
		MinIdleConns: redis.DefaultConfig.MinIdleConns,
		DialTimeout:  redis.DefaultConfig.DialTimeout,
		ReadTimeout:  redis.DefaultConfig.ReadTimeout,
		WriteTimeout: redis.DefaultConfig.WriteTimeout,
	})
	if err != nil {
		log.WithError(err).Warn("redis unavailable, saga lock disabled")
	} else {
		defer redisCli.Close()
		locker = lock.New(redisCli, cfg.SagaLockTTL)
		log.Info("connected to redis")
	}

	idGen, err := snowflake.New(cfg.WorkerID)
	if err != nil {
		log.WithError(err).Error("init id generator failed")
		os.Exit(1)
	}

	m := metrics.New()

	auditTrail, err := audit.NewTrail(db, audit.WithErrorHandler(func(err error) {
		log.WithError(err).Warn("audit write failed")
	}))
	if err != nil {
		log.WithError(err).Error("init audit trail failed")
		os.Exit(1)
	}
	defer auditTrail.Close()

	paymentRepo := repository.NewPaymentRepository(db)
	stepRepo := repository.NewSagaStepRepository(db)

	walletCli := client.NewWalletClient(cfg.WalletServiceURL, cfg.InternalToken)
	merchantCli := client.NewMerchantClient(cfg.MerchantServiceURL, cfg.InternalToken)
	ledgerCli := client.NewLedgerClient(cfg.LedgerServiceURL, cfg.InternalToken)
	notificationCli := client.NewNotificationClient(cfg.NotificationServiceURL, cfg.InternalToken)

	executor := saga.NewExecutor(stepRepo, auditTrail, idGen, m, log, cfg.SagaMaxAttempts, cfg.SagaBackoffBase)
	svc := service.NewPaymentService(
		paymentRepo, executor,
		walletCli, merchantCli, ledgerCli, notificationCli,
		auditTrail, locker, idGen, m, log,
	)

	var sweeper *recovery.Sweeper
	if cfg.RecoveryEnabled {
		sweeper = recovery.NewSweeper(paymentRepo, svc, log, cfg.RecoveryStaleAfter, cfg.RecoveryBatchSize)
		if err := sweeper.Start(cfg.RecoveryCronSpec); err != nil {
			log.WithError(err).Error("start recovery sweeper failed")
			os.Exit(1)
		}
		log.Infof("recovery sweeper started", map[string]interface{}{
			"spec":       cfg.RecoveryCronSpec,
			"staleAfter": cfg.RecoveryStaleAfter.String(),
		})
	}

	// 健康检查
	h := health.New()
	h.Register(&health.PostgresChecker{DB: db})
	h.Register(&health.HTTPChecker{Service: "wallet", BaseURL: cfg.WalletServiceURL})
	h.Register(&health.HTTPChecker{Service: "merchant", BaseURL: cfg.MerchantServiceURL})
	h.Register(&health.HTTPChecker{Service: "ledger", BaseURL: cfg.LedgerServiceURL})
	h.SetReady(true)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.LiveHandler())
	mux.HandleFunc("/ready", h.ReadyHandler())
	mux.Handle("/metrics", m.Handler())

	mux.HandleFunc("/api/payments/initiate", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req service.InitiatePaymentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.WriteErrorCode(w, r, commonerrors.CodeInvalidRequest, "invalid request body")
			return
		}
		resp, err := svc.InitiatePayment(r.Context(), &req)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		response.WriteJSON(w, http.StatusCreated, resp)
	})

	// /api/payments?customerId=...  列表
	// /api/payments/{txId}/status   状态
	// /api/payments/{txId}/audit    审计轨迹
	mux.HandleFunc("/api/payments", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		customerID := r.URL.Query().Get("customerId")
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		payments, err := svc.ListPayments(r.Context(), customerID, limit)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		response.WriteJSON(w, http.StatusOK, payments)
	})

	mux.HandleFunc("/api/payments/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		rest := strings.TrimPrefix(r.URL.Path, "/api/payments/")
		parts := strings.Split(rest, "/")
		if len(parts) != 2 || parts[0] == "" {
			response.WriteErrorCode(w, r, commonerrors.CodeNotFound, "not found")
			return
		}
		transactionID := parts[0]
		switch parts[1] {
		case "status":
			resp, err := svc.GetPaymentStatus(r.Context(), transactionID)
			if err != nil {
				writeServiceError(w, r, err)
				return
			}
			response.WriteJSON(w, http.StatusOK, resp)
		case "audit":
			entries, err := svc.GetAuditTrail(r.Context(), transactionID)
			if err != nil {
				writeServiceError(w, r, err)
				return
			}
			response.WriteJSON(w, http.StatusOK, entries)
		default:
			response.WriteErrorCode(w, r, commonerrors.CodeNotFound, "not found")
		}
	})

	handler := authMiddleware(cfg.InternalToken, mux)
	server := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.HTTPPort),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		log.Infof("http server listening", map[string]interface{}{"addr": server.Addr})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("http server failed")
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	h.SetReady(false)
	if sweeper != nil {
		sweeper.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("http shutdown incomplete")
	}

	// 等待在途 saga 收尾后再关闭审计队列
	svc.Wait()
	log.Info("shutdown complete")
}

// authMiddleware 内部调用令牌校验。健康检查与指标端点豁免。
func authMiddleware(token string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/ready" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		if token != "" && r.Header.Get("X-Internal-Token") != token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var ce *commonerrors.Error
	if errors.As(err, &ce) {
		response.WriteError(w, r, ce)
		return
	}
	response.WriteErrorCode(w, r, commonerrors.CodeInternal, err.Error())
}
