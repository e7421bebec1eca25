package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"healthvault/internal/config"
	"healthvault/internal/handler"
	"healthvault/internal/repository"
	"healthvault/internal/service"
	"healthvault/internal/service/llm"
	"healthvault/internal/service/ocr"
	"healthvault/internal/service/s3"
	"healthvault/pkg/logger"
	"healthvault/pkg/metrics"
)

func connectWithRetry(log *logger.Logger, cfg *config.DatabaseConfig, maxAttempts int, delay time.Duration) (*sqlx.DB, error) {
	dsn := cfg.GetDSN()

	// Сначала подключаемся к системной базе postgres
	pgDSN := strings.Replace(dsn, "dbname="+cfg.Name, "dbname=postgres", 1)
	pgDB, err := sqlx.Connect("postgres", pgDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres database: %v", err)
	}
	defer pgDB.Close()

	// Проверяем, существует ли целевая база данных
	var exists bool
	err = pgDB.Get(&exists, "SELECT EXISTS(SELECT datname FROM pg_catalog.pg_database WHERE datname = $1)", cfg.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to check database existence: %v", err)
	}

	// Если базы нет, создаем её
	if !exists {
		log.Info("database does not exist, creating", "name", cfg.Name)
		if _, err = pgDB.Exec(fmt.Sprintf("CREATE DATABASE %s", cfg.Name)); err != nil {
			return nil, fmt.Errorf("failed to create database: %v", err)
		}
	}

	var db *sqlx.DB
	for i := 0; i < maxAttempts; i++ {
		db, err = sqlx.Connect("postgres", dsn)
		if err == nil {
			return db, nil
		}

		log.Warn("failed to connect to database", "attempt", i+1, "max", maxAttempts, "error", err.Error())
		time.Sleep(delay)
	}

	return nil, fmt.Errorf("failed to connect after %d attempts: %v", maxAttempts, err)
}

func runMigrations(cfg *config.Config) error {
	databaseURL := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		cfg.Database.User,
		cfg.Database.Password,
		cfg.Database.Host,
		cfg.Database.Port,
		cfg.Database.Name,
		cfg.Database.SSLMode,
	)

	m, err := migrate.New("file://migrations", databaseURL)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	defer m.Close()

	version, dirty, err := m.Version()
	if err != nil && err != migrate.ErrNilVersion {
		return fmt.Errorf("failed to get migration version: %w", err)
	}

	if dirty {
		if err := m.Force(int(version)); err != nil {
			return fmt.Errorf("failed to force version: %w", err)
		}
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

func main() {
	log := logger.NewLogger(nil)

	// Загружаем конфигурации
	appConfig, err := config.NewConfig(".app.env")
	if err != nil {
		log.Fatal(err, "failed to load config")
	}

	// Подключаемся к базе данных
	db, err := connectWithRetry(log, &appConfig.Database, 5, time.Second*5)
	if err != nil {
		log.Fatal(err, "failed to connect to database after retries")
	}
	defer db.Close()

	if err := runMigrations(appConfig); err != nil {
		log.Fatal(err, "failed to run migrations")
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		log.Fatal(err, "failed to ping database")
	}

	// Инициализация S3 клиента
	s3Config, err := s3.NewConfig(".s3.env")
	if err != nil {
		log.Fatal(err, "failed to load S3 config")
	}

	s3Client, err := s3.NewClient(s3Config)
	if err != nil {
		log.Fatal(err, "failed to create S3 client")
	}

	// Инициализация провайдера генеративной модели
	llmConfig, err := llm.NewConfig(".llm.env")
	if err != nil {
		log.Fatal(err, "failed to load LLM config")
	}

	llmProvider, err := llm.NewProvider(llmConfig)
	if err != nil {
		log.Fatal(err, "failed to create LLM provider")
	}

	appMetrics := metrics.NewMetrics("healthvault")

	// Инициализация репозиториев
	fileRepo := repository.NewFileRepository(db)
	intentRepo := repository.NewBlobIntentRepository(db)

	// Инициализация сервисов
	fileService := service.NewFileService(fileRepo, intentRepo, s3Client, log, appMetrics)
	ocrService := ocr.NewService(appConfig.OCR.Languages)
	analyzer := service.NewHealthAnalyzer(llmProvider, log, appMetrics)
	extractionService := service.NewExtractionService(fileService, ocrService, analyzer, log, appMetrics)

	// Инициализация хендлеров
	fileHandler := handler.NewFileHandler(fileService, log)
	extractionHandler := handler.NewExtractionHandler(extractionService, log)

	// Настройка HTTP роутера
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Minute))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link", "Content-Disposition"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// HTTP маршруты
	r.Post("/files", fileHandler.UploadFile)
	r.Get("/files", fileHandler.ListFiles)
	r.Delete("/files", fileHandler.DeleteFile)
	r.Put("/files/ocr", fileHandler.UpdateOCRText)
	r.Put("/files/health", fileHandler.UpdateHealthData)
	r.Get("/files/extraction/events", extractionHandler.StreamExtractionEvents)

	r.Route("/files/{uuid}", func(r chi.Router) {
		r.Get("/content", fileHandler.DownloadFile)
		r.Post("/extract", extractionHandler.StartExtraction)
		r.Get("/extraction", extractionHandler.GetExtractionState)
	})

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%s", appConfig.Server.Port),
		Handler: r,
	}

	// Канал для сигналов завершения
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	// Запускаем HTTP сервер
	go func() {
		log.Info("starting HTTP server", "port", appConfig.Server.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(err, "failed to start HTTP server")
		}
	}()

	// Запускаем сверку блобов
	reconcileTicker := time.NewTicker(1 * time.Hour)
	reconcileDone := make(chan struct{})
	go func() {
		for {
			select {
			case <-reconcileTicker.C:
				ctx := context.Background()
				if err := fileService.ReconcileBlobs(ctx); err != nil {
					log.Error(err, "blob reconciliation failed")
				}
			case <-reconcileDone:
				reconcileTicker.Stop()
				return
			}
		}
	}()

	// Ожидаем сигнал завершения
	<-quit
	close(reconcileDone)
	log.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error(err, "HTTP server forced to shutdown")
	}

	if err := db.Close(); err != nil {
		log.Error(err, "error closing database connection")
	}

	log.Info("server exited properly")
}
