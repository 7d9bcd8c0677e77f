package pricing

import "github.com/shopspring/decimal"

// Split 分账结果：行小计、平台佣金、卖家所得。
type Split struct {
	Subtotal      decimal.Decimal
	PlatformFee   decimal.Decimal
	SellerEarning decimal.Decimal
}

// 货币统一保留两位小数，四舍五入（half-up）。
const moneyPlaces = 2

// SplitFee 按卖家佣金比例拆分一条商品行的金额。纯函数，无副作用。
// 入参由调用方保证合法（price>0、quantity>0、rate∈[0,100]）。
// 先对小计取整，再从小计里扣佣金，保证 PlatformFee+SellerEarning 恒等于 Subtotal，
// 不会因为两次独立舍入产生一分钱漂移。
func SplitFee(price decimal.Decimal, quantity int, rate decimal.Decimal) Split {
	subtotal := price.Mul(decimal.NewFromInt(int64(quantity))).Round(moneyPlaces)
	fee := subtotal.Mul(rate).Div(decimal.NewFromInt(100)).Round(moneyPlaces)
	return Split{
		Subtotal:      subtotal,
		PlatformFee:   fee,
		SellerEarning: subtotal.Sub(fee),
	}
}

// Round 金额统一舍入入口，别的包不要自己调 decimal.Round。
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(moneyPlaces)
}

// Tolerance 客户端提交金额与服务端重算金额允许的最大偏差（0.01）。
var Tolerance = decimal.New(1, -2)

// WithinTolerance 判断两个金额是否在舍入容差内相等。
func WithinTolerance(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(Tolerance)
}
