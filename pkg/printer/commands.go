package printer

import (
	"fmt"
	"strings"

	"klipper-go-nozzle/pkg/gcode"
)

func (p *Printer) cmdStatus(cmd *gcode.Command) error {
	state, msg := p.State()
	if state == StateReady {
		cmd.RespondInfo("Klipper state: Ready")
		return nil
	}
	cmd.RespondInfo(fmt.Sprintf("Klipper state: %s\n%s", state, msg))
	return nil
}

func (p *Printer) cmdHelp(cmd *gcode.Command) error {
	cmds := p.gcode.Commands()
	lines := []string{"Available extended commands:"}
	for _, name := range p.gcode.CommandNames() {
		if desc := cmds[name]; desc != "" {
			lines = append(lines, fmt.Sprintf("%-10s: %s", name, desc))
		}
	}
	cmd.RespondInfo(strings.Join(lines, "\n"))
	return nil
}
