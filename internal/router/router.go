package router

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"dianping/internal/config"
	"dianping/internal/middleware"
	"dianping/internal/model"
	"dianping/internal/seckill"
	"dianping/internal/shop"
	"dianping/internal/store"

	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Deps 路由依赖的服务。
type Deps struct {
	Shops   *shop.Service
	Seckill *seckill.Service
	Redis   rd.UniversalClient
	Log     logrus.FieldLogger
	Config  config.AppConfig
}

// Setup 注册全部 HTTP 路由。
func Setup(r *gin.Engine, d Deps) {
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"msg": "pong"})
	})

	// shops
	r.GET("/api/shops/:id", getShop(d.Shops, d.Log))
	r.GET("/api/shops/:id/hot", getHotShop(d.Shops, d.Log))
	r.POST("/api/shops/:id/hot", adminOnly(d.Config.AdminToken), warmShop(d.Shops, d.Config.ShopCacheTTL, d.Log))
	r.PUT("/api/shops", updateShop(d.Shops, d.Log))

	// seckill
	r.POST("/api/vouchers/seckill", adminOnly(d.Config.AdminToken), createVoucher(d.Seckill, d.Log))
	r.GET("/api/vouchers/seckill/:id/stock", getStock(d.Seckill, d.Log))
	r.POST("/api/vouchers/seckill/:id/orders",
		middleware.RedisRateLimit(d.Redis, "seckill", d.Config.BuyRateLimit, d.Config.BuyRateWindow, d.Log),
		secKill(d.Seckill, d.Log))
	r.GET("/api/voucher-orders/:id", getOrder(d.Seckill, d.Log))
}

// adminOnly 简单管理员 token 校验，避免接口被任意调用重置库存。
func adminOnly(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("X-Admin-Token") != token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": 401, "msg": "admin token 无效"})
			return
		}
		c.Next()
	}
}

func paramID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "id 无效"})
		return 0, false
	}
	return id, true
}

// internalError 记录真实错误，对外只返回统一文案。
func internalError(c *gin.Context, log logrus.FieldLogger, err error) {
	log.WithFields(logrus.Fields{"path": c.FullPath(), "error": err}).Error("request failed")
	c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": "服务繁忙，请稍后再试"})
}

func getShop(svc *shop.Service, log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramID(c)
		if !ok {
			return
		}
		s, err := svc.QueryByID(c.Request.Context(), id)
		respondShop(c, log, s, err)
	}
}

func getHotShop(svc *shop.Service, log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramID(c)
		if !ok {
			return
		}
		s, err := svc.QueryHot(c.Request.Context(), id)
		respondShop(c, log, s, err)
	}
}

func respondShop(c *gin.Context, log logrus.FieldLogger, s *model.Shop, err error) {
	if err != nil {
		internalError(c, log, err)
		return
	}
	if s == nil {
		c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": "店铺不存在"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 0, "data": s})
}

// warmShop 把热点店铺写成逻辑过期缓存，?ttl_sec= 默认使用店铺缓存 TTL。
func warmShop(svc *shop.Service, defaultTTL time.Duration, log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramID(c)
		if !ok {
			return
		}
		ttl := defaultTTL
		if v := c.Query("ttl_sec"); v != "" {
			sec, err := strconv.Atoi(v)
			if err != nil || sec <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "ttl_sec 无效"})
				return
			}
			ttl = time.Duration(sec) * time.Second
		}
		err := svc.Warm(c.Request.Context(), id, ttl)
		switch {
		case err == nil:
			c.JSON(http.StatusOK, gin.H{"code": 0, "msg": "预热成功"})
		case errors.Is(err, shop.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": "店铺不存在"})
		default:
			internalError(c, log, err)
		}
	}
}

func updateShop(svc *shop.Service, log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var s model.Shop
		if err := c.ShouldBindJSON(&s); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}
		err := svc.Update(c.Request.Context(), &s)
		switch {
		case err == nil:
			c.JSON(http.StatusOK, gin.H{"code": 0})
		case errors.Is(err, shop.ErrInvalidShop):
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "店铺id不能为空"})
		case errors.Is(err, store.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": "店铺不存在"})
		default:
			internalError(c, log, err)
		}
	}
}

// createVoucher 创建秒杀券（含时间窗校验），并把库存预热到 Redis。
func createVoucher(svc *seckill.Service, log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			VoucherID int64  `json:"voucher_id" binding:"required,min=1"`
			Title     string `json:"title" binding:"required"`
			Stock     int64  `json:"stock" binding:"min=0"`
			PayValue  int64  `json:"pay_value" binding:"required,min=1"`
			BeginTime string `json:"begin_time" binding:"required"`
			EndTime   string `json:"end_time" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}
		begin, err := time.Parse(time.RFC3339, req.BeginTime)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "begin_time 格式错误，请用 RFC3339"})
			return
		}
		end, err := time.Parse(time.RFC3339, req.EndTime)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "end_time 格式错误，请用 RFC3339"})
			return
		}
		if !end.After(begin) {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "end_time 必须晚于 begin_time"})
			return
		}
		v := &model.SeckillVoucher{
			VoucherID: req.VoucherID,
			Title:     req.Title,
			Stock:     req.Stock,
			PayValue:  req.PayValue,
			BeginTime: begin,
			EndTime:   end,
		}
		if err := svc.CreateVoucher(c.Request.Context(), v); err != nil {
			respondSeckillError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": v})
	}
}

// getStock 查询 Redis 中的实时库存。
func getStock(svc *seckill.Service, log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramID(c)
		if !ok {
			return
		}
		n, err := svc.Stock(c.Request.Context(), id)
		if err != nil {
			internalError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": gin.H{"stock": n}})
	}
}

// secKill 是秒杀下单入口，只做资格判定和入队，落单是异步的：
// 返回的 order_id 用于轮询 /api/voucher-orders/:id。
func secKill(svc *seckill.Service, log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		voucherID, ok := paramID(c)
		if !ok {
			return
		}
		userID, err := strconv.ParseInt(c.GetHeader(middleware.UserIDHeader), 10, 64)
		if err != nil || userID <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "缺少用户身份"})
			return
		}

		orderID, err := svc.Submit(c.Request.Context(), userID, voucherID)
		if err != nil {
			respondSeckillError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"code": 0,
			"data": gin.H{
				"order_id": strconv.FormatInt(orderID, 10),
				"status":   "pending",
			},
		})
	}
}

// getOrder 查询订单异步处理结果。
func getOrder(svc *seckill.Service, log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramID(c)
		if !ok {
			return
		}
		o, err := svc.Order(c.Request.Context(), id)
		if err != nil {
			respondSeckillError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": o})
	}
}

// seckillErrors 拒绝原因到 HTTP 状态、原因码、文案的映射；未列出的一律按内部错误处理。
var seckillErrors = []struct {
	err    error
	status int
	reason string
	msg    string
}{
	{seckill.ErrInvalidRequest, http.StatusBadRequest, "invalid_request", "参数无效"},
	{seckill.ErrVoucherNotFound, http.StatusNotFound, "voucher_not_found", "秒杀券不存在"},
	{seckill.ErrOrderNotFound, http.StatusNotFound, "order_not_found", "订单不存在"},
	{seckill.ErrNotStarted, http.StatusBadRequest, "not_started", "秒杀尚未开始"},
	{seckill.ErrEnded, http.StatusBadRequest, "ended", "秒杀已经结束"},
	{seckill.ErrInsufficientStock, http.StatusBadRequest, "insufficient_stock", "库存不足"},
	{seckill.ErrDuplicateOrder, http.StatusBadRequest, "duplicate_order", "不能重复下单"},
	{seckill.ErrBusy, http.StatusServiceUnavailable, "busy", "系统繁忙，请稍后再试"},
	{seckill.ErrClosed, http.StatusServiceUnavailable, "busy", "系统繁忙，请稍后再试"},
}

func respondSeckillError(c *gin.Context, log logrus.FieldLogger, err error) {
	for _, e := range seckillErrors {
		if errors.Is(err, e.err) {
			c.JSON(e.status, gin.H{"code": e.status, "reason": e.reason, "msg": e.msg})
			return
		}
	}
	internalError(c, log, err)
}
