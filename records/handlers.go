package records

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/ddasdkimo/keyvalueserver/types"
	"github.com/ddasdkimo/keyvalueserver/utils"
	"github.com/ddasdkimo/keyvalueserver/worker"
)

const (
	APIPrefix = "/api/v1"

	GetKeyPrefix   = "kv:get:"
	QueryKeyPrefix = "kv:query:"
	AllKeysPrefix  = "kv:"

	invalidateTimeout = 2 * time.Second
)

// Handlers serves the key/value/type record API. Reads of single keys and
// queries go through the worker cache; writes invalidate what they touch.
type Handlers struct {
	ctx      context.Context
	store    types.RecordStore
	cache    types.CacheClient
	config   *types.RecordsConfig
	logger   types.Logger
	metrics  types.MetricsManager
	validate *validator.Validate
}

// NewHandlers wires the record API. cache may be nil, in which case
// nothing is invalidated.
func NewHandlers(ctx context.Context, config types.ConfigManager, store types.RecordStore, cache types.CacheClient, logger types.Logger, metrics types.MetricsManager) *Handlers {
	return &Handlers{
		ctx:      ctx,
		store:    store,
		cache:    cache,
		config:   config.GetConfig().Records,
		logger:   logger,
		metrics:  metrics,
		validate: validator.New(),
	}
}

func (h *Handlers) RegisterRoutes(router types.HTTPRouter) {
	api := router.Group(APIPrefix)
	h.register(api.POST, api.GET, api.DELETE, "/records/set", "/records/get", "/records/delete", "/records/flush", "/query/keys")

	router.GET("/", h.handleRoot).WithoutMiddlewares("Cache")
	h.register(router.POST, router.GET, router.DELETE, "/set", "/get", "/delete", "/flush", "/keys")
}

type routeFunc func(path string, handler types.FastHTTPHandler) types.RouteBuilder

func (h *Handlers) register(post, get, del routeFunc, set, read, remove, flush, keys string) {
	post(set, h.handleSet)
	get(read+"/{key}", h.handleGet).WithCache(GetKeyPrefix, h.config.CacheTTL)
	del(remove+"/{key}", h.handleDeleteByKey)
	del(remove+"/id/{id}", h.handleDeleteByID)
	post(flush, h.handleFlush)
	get(keys, h.handleList).WithCache(QueryKeyPrefix, h.config.QueryCacheTTL)
	get(keys+"/type/{type}", h.handleListByType).WithCache(QueryKeyPrefix, h.config.QueryCacheTTL)
}

func (h *Handlers) handleRoot(ctx *fasthttp.RequestCtx) {
	connected := false
	if h.cache != nil {
		pingCtx, cancel := context.WithTimeout(h.ctx, invalidateTimeout)
		connected = h.cache.Ping(pingCtx) == nil
		cancel()
	}

	utils.WriteJSON(ctx, fasthttp.StatusOK, map[string]interface{}{
		"status":          "ok",
		"message":         "Key/value record service running",
		"cache_connected": connected,
		"api_prefix":      APIPrefix,
	})
}

func (h *Handlers) handleSet(ctx *fasthttp.RequestCtx) {
	var request types.SetRecordRequest
	if err := utils.Unmarshal(ctx.PostBody(), &request); err != nil {
		utils.WriteError(ctx, fasthttp.StatusBadRequest, "key, type and value are required; type must be a string and value a number")
		return
	}

	if err := h.validate.Struct(&request); err != nil {
		utils.WriteError(ctx, fasthttp.StatusBadRequest, validationMessage(err))
		return
	}

	record, created, err := h.store.Upsert(h.ctx, request.Key, request.Type, *request.Value)
	if err != nil {
		h.storeFailed(ctx, err)
		return
	}

	h.invalidateKey(request.Key)

	message := fmt.Sprintf("Updated record (key: %s, type: %s, value: %v)", record.Key, record.Type, record.Value)
	if created {
		message = fmt.Sprintf("Created record (key: %s, type: %s, value: %v)", record.Key, record.Type, record.Value)
	}

	utils.WriteJSON(ctx, fasthttp.StatusOK, types.RecordResponse{Message: message, Record: *record})
}

func (h *Handlers) handleGet(ctx *fasthttp.RequestCtx) {
	key := pathValue(ctx, "key")

	records, err := h.store.FindByKey(h.ctx, key)
	if err != nil {
		h.storeFailed(ctx, err)
		return
	}

	if len(records) == 0 {
		utils.WriteError(ctx, fasthttp.StatusNotFound, "Key not found: "+key)
		return
	}

	utils.WriteJSON(ctx, fasthttp.StatusOK, types.RecordList{Records: records, Count: len(records)})
}

func (h *Handlers) handleDeleteByKey(ctx *fasthttp.RequestCtx) {
	key := pathValue(ctx, "key")

	deleted, err := h.store.DeleteByKey(h.ctx, key)
	if err != nil {
		h.storeFailed(ctx, err)
		return
	}

	if deleted == 0 {
		utils.WriteError(ctx, fasthttp.StatusNotFound, "Key not found: "+key)
		return
	}

	h.invalidateKey(key)

	utils.WriteJSON(ctx, fasthttp.StatusOK, types.MessageResponse{
		Message: fmt.Sprintf("Deleted %d records (key: %s)", deleted, key),
	})
}

func (h *Handlers) handleDeleteByID(ctx *fasthttp.RequestCtx) {
	id := pathValue(ctx, "id")

	deleted, err := h.store.DeleteByID(h.ctx, id)
	if err != nil {
		h.storeFailed(ctx, err)
		return
	}

	if deleted == 0 {
		utils.WriteError(ctx, fasthttp.StatusNotFound, "Record not found: "+id)
		return
	}

	// The key of a deleted id is unknown here, so every cached read goes.
	h.invalidatePrefix(AllKeysPrefix)

	utils.WriteJSON(ctx, fasthttp.StatusOK, types.MessageResponse{Message: "Deleted record " + id})
}

func (h *Handlers) handleFlush(ctx *fasthttp.RequestCtx) {
	deleted, err := h.store.Flush(h.ctx)
	if err != nil {
		h.storeFailed(ctx, err)
		return
	}

	h.invalidatePrefix(AllKeysPrefix)

	message := "No records to flush"
	if deleted > 0 {
		message = fmt.Sprintf("Flushed %d records", deleted)
	}
	utils.WriteJSON(ctx, fasthttp.StatusOK, types.MessageResponse{Message: message})
}

func (h *Handlers) handleList(ctx *fasthttp.RequestCtx) {
	records, err := h.store.List(h.ctx, pattern(ctx))
	if err != nil {
		h.storeFailed(ctx, err)
		return
	}

	utils.WriteJSON(ctx, fasthttp.StatusOK, types.RecordList{Records: records, Count: len(records)})
}

func (h *Handlers) handleListByType(ctx *fasthttp.RequestCtx) {
	recordType := pathValue(ctx, "type")

	records, err := h.store.ListByType(h.ctx, recordType, pattern(ctx))
	if err != nil {
		h.storeFailed(ctx, err)
		return
	}

	utils.WriteJSON(ctx, fasthttp.StatusOK, types.RecordList{Type: recordType, Records: records, Count: len(records)})
}

func (h *Handlers) storeFailed(ctx *fasthttp.RequestCtx, err error) {
	h.logger.Error("Records store request failed",
		zap.ByteString("method", ctx.Method()),
		zap.ByteString("path", ctx.Path()),
		zap.Error(err))
	utils.WriteError(ctx, fasthttp.StatusInternalServerError, "Records store unavailable")
}

// invalidateKey drops the cached single-key reads under both route
// prefixes plus every cached query. The epoch moves first so a read
// computed before the write cannot be written back after the delete.
func (h *Handlers) invalidateKey(key string) {
	if h.cache == nil {
		return
	}

	ctx, cancel := context.WithTimeout(h.ctx, invalidateTimeout)
	defer cancel()

	keys := []string{
		GetKeyPrefix + worker.DeriveKey(fasthttp.MethodGet, APIPrefix+"/records/get/"+key, nil),
		GetKeyPrefix + worker.DeriveKey(fasthttp.MethodGet, "/get/"+key, nil),
	}

	if err := worker.AdvanceEpoch(ctx, h.cache); err != nil {
		h.invalidationFailed(worker.EpochKey, err)
	}
	if err := h.cache.Delete(ctx, keys...); err != nil {
		h.invalidationFailed(key, err)
	}
	if err := h.cache.DeletePrefix(ctx, QueryKeyPrefix); err != nil {
		h.invalidationFailed(QueryKeyPrefix, err)
	}
}

func (h *Handlers) invalidatePrefix(prefix string) {
	if h.cache == nil {
		return
	}

	ctx, cancel := context.WithTimeout(h.ctx, invalidateTimeout)
	defer cancel()

	if err := worker.AdvanceEpoch(ctx, h.cache); err != nil {
		h.invalidationFailed(worker.EpochKey, err)
	}
	if err := h.cache.DeletePrefix(ctx, prefix); err != nil {
		h.invalidationFailed(prefix, err)
	}
}

// Entries left behind expire with their TTL.
func (h *Handlers) invalidationFailed(target string, err error) {
	h.logger.Warn("Cache invalidation failed", zap.String("target", target), zap.Error(err))
	if h.metrics != nil {
		h.metrics.Counter("records_invalidation_failures_total", nil).Inc()
	}
}

func pathValue(ctx *fasthttp.RequestCtx, name string) string {
	value, _ := ctx.UserValue(name).(string)
	return value
}

func pattern(ctx *fasthttp.RequestCtx) string {
	p := string(ctx.QueryArgs().Peek("pattern"))
	if p == "" {
		return "*"
	}
	return p
}

func validationMessage(err error) string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err.Error()
	}

	fields := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		fields = append(fields, strings.ToLower(fe.Field()))
	}
	return "missing required fields: " + strings.Join(fields, ", ")
}
