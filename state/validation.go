package state

import (
	"fmt"
	"regexp"
)

var namePattern, _ = regexp.Compile("^[0-9a-z._-]+$")

// NameValidator matches the teacher's node-name validation shape: a
// restricted character class plus a length bound.
func NameValidator(s string) error {
	if !namePattern.MatchString(s) {
		return fmt.Errorf("%s is not a valid name, must match pattern %s", s, namePattern.String())
	}
	if len(s) > 100 {
		return fmt.Errorf("len(\"%s\") = %d > 100 is too long", s, len(s))
	}
	return nil
}

// NodeConfigValidator checks a NodeCfg for internal consistency before it
// is handed to the engine.
func NodeConfigValidator(cfg *NodeCfg) error {
	if err := NameValidator(cfg.Id); err != nil {
		return err
	}
	if cfg.ElemCount == 0 {
		return fmt.Errorf("node.elem_count must be >= 1")
	}
	if uint32(cfg.PrimaryAddr)+uint32(cfg.ElemCount) > 0xFFFF {
		return fmt.Errorf("node.primary_addr + elem_count overflows the 16-bit address space")
	}
	seen := make(map[NetIdx]bool)
	for _, sn := range cfg.Subnets {
		if seen[sn.NetIdx] {
			return fmt.Errorf("duplicate subnet net_idx %d", sn.NetIdx)
		}
		seen[sn.NetIdx] = true
		if len(sn.Key) != 32 {
			return fmt.Errorf("subnet %d key must be 32 hex chars (16 bytes), got %d chars", sn.NetIdx, len(sn.Key))
		}
	}
	return nil
}
