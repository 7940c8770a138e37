package hardware

// Purpose names what a recommended local model is used for.
type Purpose string

const (
	PurposeLLM            Purpose = "llm"
	PurposeCodePrediction Purpose = "code_prediction"
	PurposeProse          Purpose = "prose_prediction"
	PurposeGrammar        Purpose = "grammar"
	PurposeSpeechToText   Purpose = "speech_to_text"
	PurposeTextToSpeech   Purpose = "text_to_speech"
	PurposeImageGen       Purpose = "image_generation"
	Purpose3DGen          Purpose = "3d_generation"
	PurposeVision         Purpose = "vision"
	PurposeEmbeddings     Purpose = "embeddings"
)

// Recommendation is one local model suggested for a tier.
type Recommendation struct {
	Purpose      Purpose `json:"purpose"`
	ModelName    string  `json:"model_name"`
	Quantization string  `json:"quantization"`
	RAMRequired  int64   `json:"ram_required_mb"`
	DiskRequired int64   `json:"disk_required_mb"`
}

// Recommendations returns the local model set for a tier. Lower tiers trade
// quality for footprint; the embeddings model is shared across all tiers.
func Recommendations(t Tier) []Recommendation {
	switch t {
	case TierUltraLow:
		return []Recommendation{
			{PurposeLLM, "SmolLM2-360M", "Q4_K_M", 300, 200},
			{PurposeCodePrediction, "SmolLM2-135M", "Q4_K_M", 150, 100},
			{PurposeSpeechToText, "Whisper Tiny.en", "f16", 100, 75},
			{PurposeTextToSpeech, "Piper tiny.en", "onnx", 15, 15},
			{PurposeEmbeddings, "all-MiniLM-L6-v2", "f32", 50, 23},
		}
	case TierLow:
		return []Recommendation{
			{PurposeLLM, "Qwen3-0.6B", "Q4_K_M", 500, 400},
			{PurposeCodePrediction, "SmolLM2-360M", "Q4_K_M", 300, 200},
			{PurposeSpeechToText, "Whisper Tiny.en", "f16", 100, 75},
			{PurposeTextToSpeech, "Piper medium.en", "onnx", 65, 50},
			{PurposeEmbeddings, "all-MiniLM-L6-v2", "f32", 50, 23},
		}
	case TierMid:
		return []Recommendation{
			{PurposeLLM, "Qwen2.5-3B-Instruct", "Q4_K_M", 2000, 1800},
			{PurposeCodePrediction, "Qwen2.5-Coder-1.5B", "Q5_K_M", 1200, 1000},
			{PurposeProse, "SmolLM2-1.7B", "Q4_K_M", 1200, 1000},
			{PurposeSpeechToText, "Whisper Base.en", "f16", 200, 142},
			{PurposeTextToSpeech, "Piper high.en + Kokoro", "onnx", 100, 80},
			{PurposeEmbeddings, "all-MiniLM-L6-v2", "f32", 50, 23},
		}
	case TierHigh:
		return []Recommendation{
			{PurposeLLM, "Mistral-7B-Instruct", "Q5_K_M", 6500, 5100},
			{PurposeGrammar, "SmolLM3-3B", "Q5_K_M", 2500, 2000},
			{PurposeCodePrediction, "Qwen2.5-Coder-7B (Zeta)", "Q4_K_M", 4500, 3800},
			{PurposeProse, "Qwen2.5-3B-Instruct", "Q5_K_M", 2500, 2000},
			{PurposeSpeechToText, "Whisper Small.en", "f16", 400, 244},
			{PurposeTextToSpeech, "Chatterbox-Turbo", "f16", 500, 400},
			{PurposeImageGen, "SDXL Turbo", "Q4", 3500, 2800},
			{PurposeEmbeddings, "all-MiniLM-L6-v2", "f32", 50, 23},
		}
	case TierUltra:
		return []Recommendation{
			{PurposeLLM, "Qwen2.5-72B", "Q4_K_M", 40000, 38000},
			{PurposeGrammar, "Qwen2.5-14B-Instruct", "Q5_K_M", 10000, 9000},
			{PurposeCodePrediction, "Qwen2.5-Coder-32B", "Q4_K_M", 20000, 18000},
			{PurposeProse, "Mistral-7B-Instruct", "Q6_K", 6000, 5500},
			{PurposeSpeechToText, "Whisper Large-v3", "f16", 3000, 1500},
			{PurposeTextToSpeech, "Chatterbox-Turbo + voice cloning", "f16", 1000, 800},
			{PurposeImageGen, "Flux.1 Dev", "f16", 12000, 11000},
			{PurposeVision, "LLaVA-1.5-7B", "Q4_K_M", 4500, 3800},
			{Purpose3DGen, "TripoSR", "f16", 3000, 2500},
			{PurposeEmbeddings, "all-MiniLM-L6-v2", "f32", 50, 23},
		}
	}
	return nil
}

// ModelLadder returns the models recommended for a purpose from TierUltraLow
// up to maxTier, smallest first and deduplicated. The swap controller uses
// this as a category's step-down sequence under memory pressure.
func ModelLadder(purpose Purpose, maxTier Tier) []string {
	var ladder []string
	for t := TierUltraLow; t <= maxTier; t++ {
		for _, rec := range Recommendations(t) {
			if rec.Purpose != purpose {
				continue
			}
			if len(ladder) == 0 || ladder[len(ladder)-1] != rec.ModelName {
				ladder = append(ladder, rec.ModelName)
			}
			break
		}
	}
	return ladder
}
