package reconcile

import (
	"math"
	"time"

	"github.com/betbot/gotrader/internal/domain"
	"github.com/betbot/gotrader/internal/exchange"
)

// Tolerances 指纹匹配的容差参数。
type Tolerances struct {
	PriceRel  float64       // 价格相对容差
	QtyRel    float64       // 数量相对容差
	AgeWindow time.Duration // 本地创建时间与交易所受理时间的最大偏差
}

// DefaultTolerances 缺省容差。
func DefaultTolerances() Tolerances {
	return Tolerances{
		PriceRel:  1e-6,
		QtyRel:    1e-6,
		AgeWindow: 24 * time.Hour,
	}
}

// matchFingerprint 在交易所订单列表中寻找与本地订单唯一匹配的一行。
//
// 铁律：只在恰好一个候选满足全部谓词时返回命中；0 个或多个候选
// 一律放弃，宁可留待下一轮对账，绝不猜测。
func matchFingerprint(local *domain.Order, candidates []exchange.NormalizedOrder, tol Tolerances) (exchange.NormalizedOrder, bool) {
	var hit exchange.NormalizedOrder
	found := 0
	for _, c := range candidates {
		if !fingerprintEqual(local, c, tol) {
			continue
		}
		hit = c
		found++
		if found > 1 {
			return exchange.NormalizedOrder{}, false
		}
	}
	return hit, found == 1
}

func fingerprintEqual(local *domain.Order, c exchange.NormalizedOrder, tol Tolerances) bool {
	if c.Market != local.Market || c.Side != local.Side || c.Type != local.Type {
		return false
	}
	if !withinRel(c.Price, local.Price, tol.PriceRel) {
		return false
	}
	if !withinRel(c.Quantity, local.Quantity, tol.QtyRel) {
		return false
	}
	// 受理时间是指纹的一部分：交易所未报告时无法验证，不算命中
	if c.CreatedAt == nil {
		return false
	}
	diff := c.CreatedAt.Sub(local.CreatedAt)
	if diff < 0 {
		diff = -diff
	}
	return diff <= tol.AgeWindow
}

// withinRel 相对容差比较。双零相等；单边为零退化为绝对容差。
func withinRel(a, b, tol float64) bool {
	if a == b {
		return true
	}
	diff := math.Abs(a - b)
	scale := math.Max(math.Abs(a), math.Abs(b))
	if scale == 0 {
		return diff <= tol
	}
	return diff/scale <= tol
}
