package sai

import (
	"sync/atomic"

	"github.com/ddasdkimo/keyvalueserver/cache"
	"github.com/ddasdkimo/keyvalueserver/database"
	"github.com/ddasdkimo/keyvalueserver/logger"
	"github.com/ddasdkimo/keyvalueserver/metrics"
	"github.com/ddasdkimo/keyvalueserver/types"
)

// Container holds the process-wide components. Every slot is set once
// while the service is wired and read afterwards.
type Container struct {
	Config      atomic.Pointer[types.ConfigManager]
	Logger      atomic.Pointer[types.LoggerManager]
	Metrics     atomic.Pointer[types.MetricsManager]
	Cron        atomic.Pointer[types.CronManager]
	Cache       atomic.Pointer[types.CacheClient]
	Populator   atomic.Pointer[types.LifecycleManager]
	MemoryGuard atomic.Pointer[types.MemoryGuard]
	Worker      atomic.Pointer[types.Worker]
	Records     atomic.Pointer[types.RecordStore]
	Middlewares atomic.Pointer[types.MiddlewareManager]
	Router      atomic.Pointer[types.HTTPRouter]
	HTTPServer  atomic.Pointer[types.HTTPServer]
	Health      atomic.Pointer[types.HealthManager]
}

var globalContainer atomic.Pointer[Container]

func InitContainer() *Container {
	return &Container{}
}

func SetContainer(container *Container) {
	globalContainer.Store(container)
}

func current() *Container {
	c := globalContainer.Load()
	if c == nil {
		panic("container not initialized")
	}
	return c
}

func Config() types.ConfigManager {
	if ptr := current().Config.Load(); ptr != nil {
		return *ptr
	}
	panic("ConfigManager not initialized")
}

func Logger() types.LoggerManager {
	if ptr := current().Logger.Load(); ptr != nil {
		return *ptr
	}
	panic("Logger not initialized")
}

func Router() types.HTTPRouter {
	if ptr := current().Router.Load(); ptr != nil {
		return *ptr
	}
	panic("Router not initialized")
}

func Cron() types.CronManager {
	if ptr := current().Cron.Load(); ptr != nil {
		return *ptr
	}
	panic("CronManager not initialized")
}

// Cache returns nil when the cache is disabled.
func Cache() types.CacheClient {
	if ptr := current().Cache.Load(); ptr != nil {
		return *ptr
	}
	return nil
}

func Records() types.RecordStore {
	if ptr := current().Records.Load(); ptr != nil {
		return *ptr
	}
	panic("RecordStore not initialized")
}

func RegisterCacheBackend(name string, creator types.CacheBackendCreator) {
	cache.RegisterCacheBackend(name, creator)
}

func RegisterRecordStore(name string, creator types.RecordStoreCreator) {
	database.RegisterRecordStore(name, creator)
}

func RegisterMetricsManager(name string, creator types.MetricsManagerCreator) {
	metrics.RegisterMetricsManager(name, creator)
}

func RegisterLogger(name string, creator types.LoggerCreator) {
	logger.RegisterLogger(name, creator)
}

func (fc *Container) SetConfig(config types.ConfigManager) {
	fc.Config.Store(&config)
}

func (fc *Container) SetLogger(logger types.LoggerManager) {
	fc.Logger.Store(&logger)
}

func (fc *Container) SetMetrics(metrics types.MetricsManager) {
	fc.Metrics.Store(&metrics)
}

func (fc *Container) SetCron(cron types.CronManager) {
	fc.Cron.Store(&cron)
}

func (fc *Container) SetCache(cache types.CacheClient) {
	fc.Cache.Store(&cache)
}

func (fc *Container) SetPopulator(populator types.LifecycleManager) {
	fc.Populator.Store(&populator)
}

func (fc *Container) SetMemoryGuard(guard types.MemoryGuard) {
	fc.MemoryGuard.Store(&guard)
}

func (fc *Container) SetWorker(worker types.Worker) {
	fc.Worker.Store(&worker)
}

func (fc *Container) SetRecords(records types.RecordStore) {
	fc.Records.Store(&records)
}

func (fc *Container) SetMiddlewares(middlewares types.MiddlewareManager) {
	fc.Middlewares.Store(&middlewares)
}

func (fc *Container) SetRouter(router types.HTTPRouter) {
	fc.Router.Store(&router)
}

func (fc *Container) SetHTTPServer(server types.HTTPServer) {
	fc.HTTPServer.Store(&server)
}

func (fc *Container) SetHealth(health types.HealthManager) {
	fc.Health.Store(&health)
}
