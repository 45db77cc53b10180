package cost

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ============================================================================
// 生成消耗表
// ============================================================================
//
// 服务端扣费和前端费用预览必须调用同一个函数，输入相同输出必须相同。
// 这里不读配置、不访问任何外部状态。
//
// 计费按"尝试"收费，不按产出张数：Live2D 拆件无论最终拆出多少个部件，都是固定 5 个代币。
//
// ============================================================================

// OperationKind 计费操作类别
type OperationKind string

const (
	SingleImage    OperationKind = "single_image"    // 概念图、姿势
	FourImageSet   OperationKind = "four_image_set"  // 角色三视图、表情差分
	PartsBreakdown OperationKind = "parts_breakdown" // Live2D 拆件
)

// ModelTier 模型档位
type ModelTier string

const (
	TierStandard ModelTier = "standard"
	TierPro      ModelTier = "pro"
)

// MaxLive2DParts 一次拆件最多请求的部件数，固定价格按这个上限定价
const MaxLive2DParts = 16

var baseCosts = map[OperationKind]int64{
	SingleImage:    1,
	FourImageSet:   4,
	PartsBreakdown: 5,
}

var tierMultipliers = map[ModelTier]decimal.Decimal{
	TierStandard: decimal.NewFromInt(1),
	TierPro:      decimal.RequireFromString("1.5"),
}

// Cost 返回 (操作类别, 模型档位) 对应的代币数
//
// 未定义的组合属于调用方编程错误，直接 panic，不作为运行时错误返回。
func Cost(op OperationKind, tier ModelTier) int64 {
	base, ok := baseCosts[op]
	if !ok {
		panic(fmt.Sprintf("cost: unknown operation kind %q", op))
	}
	multiplier, ok := tierMultipliers[tier]
	if !ok {
		panic(fmt.Sprintf("cost: unknown model tier %q", tier))
	}

	// decimal.Round 对正数是四舍五入（half-up），避免 float 误差
	return decimal.NewFromInt(base).Mul(multiplier).Round(0).IntPart()
}

// ValidOperation 判断操作类别是否合法
func ValidOperation(op OperationKind) bool {
	_, ok := baseCosts[op]
	return ok
}

// ValidTier 判断模型档位是否合法
func ValidTier(tier ModelTier) bool {
	_, ok := tierMultipliers[tier]
	return ok
}

// Operations 所有操作类别（顺序固定，便于展示）
func Operations() []OperationKind {
	return []OperationKind{SingleImage, FourImageSet, PartsBreakdown}
}

// Tiers 所有模型档位
func Tiers() []ModelTier {
	return []ModelTier{TierStandard, TierPro}
}

// Table 返回完整价格矩阵，给前端预览使用
func Table() map[OperationKind]map[ModelTier]int64 {
	table := make(map[OperationKind]map[ModelTier]int64, len(baseCosts))
	for _, op := range Operations() {
		row := make(map[ModelTier]int64, len(tierMultipliers))
		for _, tier := range Tiers() {
			row[tier] = Cost(op, tier)
		}
		table[op] = row
	}
	return table
}
