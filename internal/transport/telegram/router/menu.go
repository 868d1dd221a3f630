package router

import (
	"sort"
	"strings"
	"unicode"

	"snapbot/internal/transport"
)

const (
	maxMenuCommands = 100
	maxMenuName     = 32
	maxMenuDesc     = 256
)

// sanitizeTelegramCommand maps s onto Telegram's command alphabet,
// [a-z0-9_]{1,32}, starting with a letter.
func sanitizeTelegramCommand(s string) string {
	s = strings.TrimSpace(strings.ToLower(s))
	var b strings.Builder
	b.Grow(len(s))
	lastUnderscore := false
	for _, r := range s {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastUnderscore = false
		case r == '_' || r == '-' || r == '/' || unicode.IsSpace(r):
			if b.Len() > 0 && !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}

	out := strings.Trim(b.String(), "_")
	if out != "" && out[0] >= '0' && out[0] <= '9' {
		out = "cmd_" + out
	}
	if len(out) > maxMenuName {
		out = strings.TrimRight(out[:maxMenuName], "_")
	}
	return out
}

// telegramCommandNameFromRoute: ["snapshot","run"] -> "snapshot_run".
func telegramCommandNameFromRoute(route []string) (string, bool) {
	if len(route) == 0 {
		return "", false
	}
	out := sanitizeTelegramCommand(strings.Join(route, "_"))
	return out, out != ""
}

// buildTelegramMenuCommands lists top-level commands first, then
// underscore shortcuts for multi-token routes.
func buildTelegramMenuCommands(root *cmdNode, leafCmds []Command) []transport.BotCommand {
	type entry struct {
		cmd  string
		desc string
		prio int
	}
	byCmd := map[string]entry{}
	add := func(cmd, desc string, prio int) {
		cmd = sanitizeTelegramCommand(cmd)
		if cmd == "" {
			return
		}
		desc = strings.ReplaceAll(strings.TrimSpace(desc), "\n", " ")
		if desc == "" {
			desc = cmd
		}
		if len(desc) > maxMenuDesc {
			desc = desc[:maxMenuDesc]
		}
		if cur, ok := byCmd[cmd]; ok && cur.prio <= prio {
			return
		}
		byCmd[cmd] = entry{cmd: cmd, desc: desc, prio: prio}
	}

	for _, name := range root.childNames() {
		n, _ := root.child(name)
		desc := summarizeNodeDesc(n)
		if nodeIsOwnerOnly(n) {
			desc = "🔒 " + desc
		}
		add(name, desc, 0)
	}
	for _, c := range leafCmds {
		route := splitRoute(c.Route)
		if len(route) < 2 {
			continue
		}
		menu, ok := telegramCommandNameFromRoute(route)
		if !ok {
			continue
		}
		desc := strings.TrimSpace(c.Description)
		if desc == "" {
			desc = strings.Join(route, " ")
		}
		if c.Access == AccessOwnerOnly {
			desc = "🔒 " + desc
		}
		add(menu, desc, 1)
	}

	entries := make([]entry, 0, len(byCmd))
	for _, e := range byCmd {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].prio != entries[j].prio {
			return entries[i].prio < entries[j].prio
		}
		return entries[i].cmd < entries[j].cmd
	})

	out := make([]transport.BotCommand, 0, min(len(entries), maxMenuCommands))
	for _, e := range entries {
		if len(out) == maxMenuCommands {
			break
		}
		out = append(out, transport.BotCommand{Command: e.cmd, Description: e.desc})
	}
	return out
}
