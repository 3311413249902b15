package pipeline

import (
	"github.com/tarungka/telepipe/internal/models"
	"github.com/tarungka/telepipe/internal/operator"
)

// HostGroup is a maximal contiguous run of units with the same placement
// class. Local and anywhere units collapse together; anywhere units also
// join a remote run they are encountered in.
type HostGroup struct {
	Remote bool
	Units  operator.Pipeline
}

// Partition splits p into host groups, keeping the order of units.
func Partition(p operator.Pipeline) []HostGroup {
	var groups []HostGroup
	for _, u := range p {
		last := len(groups) - 1
		switch u.Location() {
		case models.Anywhere:
			if last < 0 {
				groups = append(groups, HostGroup{})
				last = 0
			}
		case models.Local:
			if last < 0 || groups[last].Remote {
				groups = append(groups, HostGroup{})
				last++
			}
		case models.Remote:
			if last < 0 || !groups[last].Remote {
				groups = append(groups, HostGroup{Remote: true})
				last++
			}
		}
		groups[last].Units = append(groups[last].Units, u)
	}
	return groups
}

func hasRemote(groups []HostGroup) bool {
	for _, g := range groups {
		if g.Remote {
			return true
		}
	}
	return false
}
