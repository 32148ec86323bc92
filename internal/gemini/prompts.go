package gemini

import "github.com/lightfold/darkroom/internal/asset"

// SystemPrompt frames every analysis request. The per-category prompts
// below ask for a strict JSON document so downstream consumers can index
// the result without scraping prose.
const SystemPrompt = "You are a media analysis service for a creative asset library. " +
	"You examine one media file at a time and describe it for search and curation. " +
	"Respond with a single JSON object and no surrounding commentary."

const videoPrompt = `Analyse this video and respond with a JSON object containing:
- "summary": one paragraph describing what happens in the video
- "tags": up to 15 lowercase keywords covering subjects, actions and setting
- "categories": up to 5 broad content categories
- "mood": the overall tone or mood
- "hasText": whether readable on-screen text appears
- "quality": a short note on production quality`

const audioPrompt = `Analyse this audio recording and respond with a JSON object containing:
- "summary": one paragraph describing the recording
- "tags": up to 15 lowercase keywords covering content, genre and instrumentation
- "categories": up to 5 broad content categories (e.g. music, speech, ambience)
- "mood": the overall tone or mood
- "hasSpeech": whether spoken words are present`

const imagePrompt = `Analyse this image and respond with a JSON object containing:
- "summary": one paragraph describing the image
- "tags": up to 15 lowercase keywords covering subjects, style and setting
- "categories": up to 5 broad content categories
- "mood": the overall tone or mood
- "dominantColors": up to 5 dominant colours
- "hasText": whether readable text appears in the image`

const genericPrompt = `Analyse this file and respond with a JSON object containing:
- "summary": one paragraph describing the content
- "tags": up to 15 lowercase keywords
- "categories": up to 5 broad content categories`

// PromptFor returns the analysis prompt for an asset category.
func PromptFor(category asset.Type) string {
	switch category {
	case asset.TypeVideo:
		return videoPrompt
	case asset.TypeAudio:
		return audioPrompt
	case asset.TypeImage:
		return imagePrompt
	default:
		return genericPrompt
	}
}
