package recommend

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"unicode"

	"github.com/sjawhar/sitevoice/internal/config"
	"github.com/sjawhar/sitevoice/internal/llm"
)

// routeWordLimit bounds the description sent for routing. A full 60 second
// capture is well under it; long typed descriptions keep their opening.
const routeWordLimit = 400

// Router picks the advice preset that best matches a project description.
type Router struct {
	cfg     config.Recommendations
	factory ClientFactory
}

func NewRouter(cfg config.Recommendations, factory ClientFactory) *Router {
	return &Router{cfg: cfg, factory: factory}
}

// SelectPreset never fails: any routing problem resolves to the fallback
// preset so the customer still gets advice.
func (r *Router) SelectPreset(ctx context.Context, transcript string) (string, error) {
	names := presetNames(r.cfg.Presets)
	if len(names) == 1 {
		return names[0], nil
	}

	if named := mentionedPreset(transcript, names); named != "" {
		slog.Info("router: description names a preset", "preset", named)
		return named, nil
	}

	modelStr := r.routingModel()
	provider, model, err := llm.ParseModel(modelStr)
	if err != nil {
		slog.Warn("router: falling back to default preset", "reason", "parse model failed", "error", err)
		return fallbackPreset(r.cfg.Presets), nil
	}

	client, err := r.factory(provider, model)
	if err != nil {
		slog.Warn("router: falling back to default preset", "reason", "create client failed", "error", err)
		return fallbackPreset(r.cfg.Presets), nil
	}

	result, err := client.Complete(ctx, []llm.Message{{Role: "user", Content: r.prompt(transcript, names)}})
	if err != nil {
		slog.Warn("router: falling back to default preset", "reason", "llm complete failed", "error", err)
		return fallbackPreset(r.cfg.Presets), nil
	}

	if chosen, ok := matchPreset(result, names); ok {
		return chosen, nil
	}

	slog.Warn("router: falling back to default preset", "reason", "chosen preset not found", "chosen", result)
	return fallbackPreset(r.cfg.Presets), nil
}

// routingModel is the global model, or the fallback preset's override when no
// global model is configured.
func (r *Router) routingModel() string {
	if r.cfg.Model != "" {
		return r.cfg.Model
	}
	return r.cfg.Presets[fallbackPreset(r.cfg.Presets)].Model
}

func (r *Router) prompt(transcript string, names []string) string {
	var presetList strings.Builder
	for _, name := range names {
		desc := r.cfg.Presets[name].Description
		if desc == "" {
			desc = "general advice"
		}
		fmt.Fprintf(&presetList, "- %s: %s\n", name, desc)
	}

	return fmt.Sprintf(`A homeowner described a construction or renovation project. Choose the single advice preset whose trade best covers the main work.
If the project spans several trades or none fits, choose %q.

Project description:
%s

Available presets:
%s
Reply with ONLY the preset name, nothing else.`, fallbackPreset(r.cfg.Presets), leadingWords(transcript, routeWordLimit), presetList.String())
}

func presetNames(presets map[string]config.Preset) []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// fallbackPreset is "default" when configured, otherwise the first name in
// sorted order.
func fallbackPreset(presets map[string]config.Preset) string {
	if _, ok := presets["default"]; ok {
		return "default"
	}
	names := presetNames(presets)
	if len(names) == 0 {
		return "default"
	}
	return names[0]
}

// mentionedPreset returns the one non-default preset named word for word in
// the description ("the roofing guy said..."). Zero or several matches
// return "".
func mentionedPreset(transcript string, names []string) string {
	words := make(map[string]bool)
	for _, w := range strings.FieldsFunc(strings.ToLower(transcript), isWordBreak) {
		words[w] = true
	}

	found := ""
	for _, name := range names {
		if name == "default" || !words[strings.ToLower(name)] {
			continue
		}
		if found != "" {
			return ""
		}
		found = name
	}
	return found
}

// matchPreset accepts replies such as "Roofing." or "`kitchen`".
func matchPreset(reply string, names []string) (string, bool) {
	cleaned := strings.TrimFunc(strings.TrimSpace(reply), func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSpace(r)
	})
	for _, name := range names {
		if strings.EqualFold(cleaned, name) {
			return name, true
		}
	}
	return "", false
}

func leadingWords(text string, n int) string {
	words := strings.Fields(text)
	if len(words) <= n {
		return strings.TrimSpace(text)
	}
	return strings.Join(words[:n], " ") + " [...]"
}

func isWordBreak(r rune) bool {
	return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_'
}
