package ledger

import "chatbatch/pkg/contract"

// Price: 每百万 token 的美元单价。
type Price struct {
	InputPerMillion  float64 `json:"input_per_million"`
	OutputPerMillion float64 `json:"output_per_million"`
}

// Cost 计算一次调用的花费。
func (p Price) Cost(u contract.Usage) float64 {
	return (float64(u.InputTokens)*p.InputPerMillion + float64(u.OutputTokens)*p.OutputPerMillion) / 1_000_000
}

// Pricing: 模型 → 单价。
type Pricing map[string]Price

// DefaultPricing 返回内置价目表；配置中的同名条目覆盖之。
func DefaultPricing() Pricing {
	return Pricing{
		"claude-opus-4-5-20251101":   {InputPerMillion: 15.0, OutputPerMillion: 75.0},
		"claude-sonnet-4-5-20250929": {InputPerMillion: 3.0, OutputPerMillion: 15.0},
		"claude-sonnet-4-20250514":   {InputPerMillion: 3.0, OutputPerMillion: 15.0},
		"claude-3-5-haiku-20241022":  {InputPerMillion: 0.8, OutputPerMillion: 4.0},
		"claude-3-haiku-20240307":    {InputPerMillion: 0.25, OutputPerMillion: 1.25},
		"gpt-4o":                     {InputPerMillion: 2.5, OutputPerMillion: 10.0},
		"gpt-4o-mini":                {InputPerMillion: 0.15, OutputPerMillion: 0.6},
		"gemini-2.5-flash":           {InputPerMillion: 0.3, OutputPerMillion: 2.5},
		"gemini-2.5-pro":             {InputPerMillion: 1.25, OutputPerMillion: 10.0},
	}
}

// Merge 返回 p 覆盖 over 后的副本。
func (p Pricing) Merge(over Pricing) Pricing {
	out := make(Pricing, len(p)+len(over))
	for k, v := range p {
		out[k] = v
	}
	for k, v := range over {
		out[k] = v
	}
	return out
}
