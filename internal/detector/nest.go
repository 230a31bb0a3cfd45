package detector

import (
	"path/filepath"
	"strings"
)

const (
	wpContentDir = "wp-content"
	wpPluginsDir = "plugins"
	wpThemesDir  = "themes"
)

func isCore(app string) bool {
	return strings.HasSuffix(app, "-cores")
}

func isWordPressPlugin(app string) bool {
	return strings.HasPrefix(app, "wp.p")
}

func isWordPressTheme(app string) bool {
	return strings.HasPrefix(app, "wp.t")
}

func anyMember(d Detected, pred func(string) bool) bool {
	for _, m := range d.Members {
		if pred(m.App) {
			return true
		}
	}
	return false
}

// buildStructure is step 7: partition detected app-versions into cores,
// wp-plugins, and wp-themes by name convention, and nest each plugin/theme
// under the core whose inferred root is the longest proper prefix such
// that root = core-root + "/wp-content/" + (plugins|themes) + "/<name>".
// Detected cores with no children still appear as leaves.
func buildStructure(detected []Detected) []Node {
	var cores, plugins, themes, other []Detected
	for _, d := range detected {
		switch {
		case anyMember(d, isCore):
			cores = append(cores, d)
		case anyMember(d, isWordPressPlugin):
			plugins = append(plugins, d)
		case anyMember(d, isWordPressTheme):
			themes = append(themes, d)
		default:
			other = append(other, d)
		}
	}

	nodes := make([]Node, len(cores))
	for i, c := range cores {
		nodes[i] = Node{Detected: c}
	}

	attach := func(child Detected, dirType string) bool {
		bestCore := -1
		bestLen := -1
		for ci, core := range cores {
			for _, coreRoot := range core.Roots {
				for _, childRoot := range child.Roots {
					if !isChildOfCore(childRoot, coreRoot, dirType) {
						continue
					}
					if len(coreRoot) > bestLen {
						bestLen = len(coreRoot)
						bestCore = ci
					}
				}
			}
		}
		if bestCore == -1 {
			return false
		}
		nodes[bestCore].Children = append(nodes[bestCore].Children, child)
		return true
	}

	var unattachedPlugins, unattachedThemes []Detected
	for _, p := range plugins {
		if !attach(p, wpPluginsDir) {
			unattachedPlugins = append(unattachedPlugins, p)
		}
	}
	for _, th := range themes {
		if !attach(th, wpThemesDir) {
			unattachedThemes = append(unattachedThemes, th)
		}
	}

	result := make([]Node, 0, len(nodes)+len(other)+len(unattachedPlugins)+len(unattachedThemes))
	result = append(result, nodes...)
	for _, o := range other {
		result = append(result, Node{Detected: o})
	}
	for _, p := range unattachedPlugins {
		result = append(result, Node{Detected: p})
	}
	for _, t := range unattachedThemes {
		result = append(result, Node{Detected: t})
	}
	return result
}

// isChildOfCore reports whether childRoot has the shape
// coreRoot/wp-content/<dirType>/<name>.
func isChildOfCore(childRoot, coreRoot, dirType string) bool {
	parent := filepath.Dir(childRoot)
	typeSegment := filepath.Base(parent)
	parent = filepath.Dir(parent)
	contentSegment := filepath.Base(parent)
	parent = filepath.Dir(parent)

	return parent == coreRoot && typeSegment == dirType && contentSegment == wpContentDir
}

// tagsMap mirrors the original scanner's human-readable name aliases for
// well-known cores; anything else falls back to a generic "other" tag.
var tagsMap = map[string]string{
	"wordpress-cores": "wp_core",
	"drupal-cores":    "drupal_core",
	"joomla-cores":    "joomla_core",
}

const otherAppsTag = "other_apps"

// AppAsTag renders an app name as the human-readable tag convention used
// in diagnostic output: wp_plugin_<name>, wp_theme_<name>, a known core
// alias, or the generic other-apps tag for any other core.
func AppAsTag(app string) (string, bool) {
	switch {
	case strings.HasPrefix(app, "wp.p"):
		return "wp_plugin_" + strings.ReplaceAll(strings.TrimPrefix(app, "wp.p"), "-", "_"), true
	case strings.HasPrefix(app, "wp.t"):
		return "wp_theme_" + strings.ReplaceAll(strings.TrimPrefix(app, "wp.t"), "-", "_"), true
	case strings.HasSuffix(app, "-cores"):
		if tag, ok := tagsMap[app]; ok {
			return tag, true
		}
		return otherAppsTag, true
	default:
		return "", false
	}
}
