package spawn

import (
	"fmt"
	"strings"

	"github.com/adamavenir/murmur/internal/core"
	"github.com/adamavenir/murmur/internal/types"
)

type promptInput struct {
	Spawn        types.Spawn
	Agent        types.Agent
	Channel      *types.Channel
	Constitution string
	Turn         string
	Resumed      bool
}

func buildPrompt(in promptInput) string {
	var b strings.Builder
	b.WriteString(core.FormatMarker(in.Spawn.Marker))
	b.WriteString("\n")
	fmt.Fprintf(&b, "You are @%s (spawn %s).", in.Agent.Identity, core.ShortID(in.Spawn.ID))
	if in.Channel != nil {
		fmt.Fprintf(&b, " You were called into #%s.", in.Channel.Name)
		if in.Channel.Topic != nil && *in.Channel.Topic != "" {
			fmt.Fprintf(&b, " Topic: %s.", *in.Channel.Topic)
		}
		fmt.Fprintf(&b, " Reply with `murmur send %s \"...\" --as %s`.", in.Channel.Name, in.Agent.Identity)
	}
	b.WriteString("\n")
	if in.Constitution != "" && !in.Resumed {
		b.WriteString("\n")
		b.WriteString(strings.TrimSpace(in.Constitution))
		b.WriteString("\n")
	}
	if in.Turn != "" {
		b.WriteString("\n")
		b.WriteString(in.Turn)
		b.WriteString("\n")
	}
	return b.String()
}
