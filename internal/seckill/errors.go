package seckill

import "errors"

// 拒绝原因。竞争类结果（库存不足、重复下单、系统繁忙）是正常返回，不按错误记日志。
var (
	ErrInvalidRequest    = errors.New("seckill: invalid request")
	ErrVoucherNotFound   = errors.New("seckill: voucher not found")
	ErrNotStarted        = errors.New("seckill: not started")
	ErrEnded             = errors.New("seckill: ended")
	ErrInsufficientStock = errors.New("seckill: insufficient stock")
	ErrDuplicateOrder    = errors.New("seckill: duplicate order")
	ErrBusy              = errors.New("seckill: system busy")
	ErrClosed            = errors.New("seckill: service closed")
	ErrOrderNotFound     = errors.New("seckill: order not found")
	// ErrUnavailable 包装存储层故障，调用方只应暴露这个哨兵而非底层错误文本。
	ErrUnavailable = errors.New("seckill: unavailable")
)
