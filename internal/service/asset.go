package service

import (
	"encoding/json"

	"charaforge/pkg/cost"
)

// GenerationKind 面向用户的生成类型
type GenerationKind string

const (
	KindConceptArt     GenerationKind = "concept_art"
	KindPose           GenerationKind = "pose"
	KindCharacterSheet GenerationKind = "character_sheet"
	KindExpressions    GenerationKind = "expressions"
	KindLive2DParts    GenerationKind = "live2d_parts"
)

var kindOperations = map[GenerationKind]cost.OperationKind{
	KindConceptArt:     cost.SingleImage,
	KindPose:           cost.SingleImage,
	KindCharacterSheet: cost.FourImageSet,
	KindExpressions:    cost.FourImageSet,
	KindLive2DParts:    cost.PartsBreakdown,
}

// Operation 生成类型对应的计费类别
func (k GenerationKind) Operation() (cost.OperationKind, bool) {
	op, ok := kindOperations[k]
	return op, ok
}

// Kinds 全部生成类型
func Kinds() []GenerationKind {
	return []GenerationKind{KindConceptArt, KindPose, KindCharacterSheet, KindExpressions, KindLive2DParts}
}

var (
	sheetViews         = []string{"front", "side", "back", "three_quarter"}
	expressionVariants = []string{"happy", "sad", "angry", "surprised"}
	defaultLive2DParts = []string{"hair_front", "hair_back", "face", "eyes", "mouth", "body", "arms"}
)

// ============================================================================
// 生成结果
// ============================================================================
//
// 单图、按名字索引的四张图、部件列表三种形态，settle 阶段按类型分别处理。

type Asset interface {
	AssetType() string
}

type SingleAsset struct {
	URL string `json:"url"`
}

type KeyedAsset struct {
	Images map[string]string `json:"images"`
}

type Part struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// PartsAsset Failed 记录没拆出来的部件名
type PartsAsset struct {
	Parts  []Part   `json:"parts"`
	Failed []string `json:"failed,omitempty"`
}

func (SingleAsset) AssetType() string { return "single" }
func (KeyedAsset) AssetType() string  { return "keyed" }
func (PartsAsset) AssetType() string  { return "parts" }

// MarshalAsset 带类型标签的 JSON，写入生成历史
func MarshalAsset(a Asset) ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
		Data Asset  `json:"data"`
	}{Type: a.AssetType(), Data: a})
}

// assetCount 结果里的图片数
func assetCount(a Asset) int {
	switch v := a.(type) {
	case SingleAsset:
		return 1
	case KeyedAsset:
		return len(v.Images)
	case PartsAsset:
		return len(v.Parts)
	}
	return 0
}
