package workspace

import (
	"io/fs"
	"path/filepath"
	"strings"
)

// languageByExtension maps source file extensions to the language they
// count toward. Unknown extensions are ignored.
var languageByExtension = map[string]string{
	".go":     "Go",
	".py":     "Python",
	".pyi":    "Python",
	".js":     "JavaScript",
	".jsx":    "JavaScript",
	".mjs":    "JavaScript",
	".cjs":    "JavaScript",
	".ts":     "TypeScript",
	".tsx":    "TypeScript",
	".java":   "Java",
	".kt":     "Kotlin",
	".kts":    "Kotlin",
	".scala":  "Scala",
	".rb":     "Ruby",
	".php":    "PHP",
	".cs":     "C#",
	".fs":     "F#",
	".vb":     "Visual Basic",
	".c":      "C",
	".h":      "C",
	".cpp":    "C++",
	".cc":     "C++",
	".cxx":    "C++",
	".hpp":    "C++",
	".hh":     "C++",
	".rs":     "Rust",
	".swift":  "Swift",
	".m":      "Objective-C",
	".mm":     "Objective-C",
	".dart":   "Dart",
	".lua":    "Lua",
	".r":      "R",
	".jl":     "Julia",
	".ex":     "Elixir",
	".exs":    "Elixir",
	".erl":    "Erlang",
	".hrl":    "Erlang",
	".hs":     "Haskell",
	".clj":    "Clojure",
	".cljs":   "Clojure",
	".groovy": "Groovy",
	".pl":     "Perl",
	".pm":     "Perl",
	".sh":     "Shell",
	".bash":   "Shell",
	".ps1":    "PowerShell",
	".sql":    "SQL",
	".html":   "HTML",
	".css":    "CSS",
	".scss":   "CSS",
	".vue":    "Vue",
	".svelte": "Svelte",
}

// skippedDirectories are path components excluded from language detection:
// VCS metadata, dependency trees and build output.
var skippedDirectories = map[string]struct{}{
	".git":         {},
	"node_modules": {},
	"vendor":       {},
	"bin":          {},
	"obj":          {},
	"dist":         {},
	"build":        {},
	".vs":          {},
	".idea":        {},
	".vscode":      {},
	"__pycache__":  {},
	".next":        {},
	"packages":     {},
}

// DetectPrimaryLanguage walks the working tree summing file sizes per
// language and returns the language with the largest byte total. The second
// return is false when no known extension was found.
func (m *Manager) DetectPrimaryLanguage(ws *Workspace) (string, bool) {
	totals := make(map[string]int64)

	_ = filepath.WalkDir(ws.Path, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if _, skip := skippedDirectories[d.Name()]; skip {
				return filepath.SkipDir
			}
			return nil
		}
		lang, ok := languageByExtension[strings.ToLower(filepath.Ext(d.Name()))]
		if !ok {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		totals[lang] += info.Size()
		return nil
	})

	var best string
	var bestSize int64
	for lang, size := range totals {
		if size > bestSize || (size == bestSize && bestSize > 0 && lang < best) {
			best = lang
			bestSize = size
		}
	}
	return best, best != ""
}
