package deployment

import (
	"encoding/json"
	"fmt"

	"github.com/deploybot/deploybot/config"
	"github.com/deploybot/deploybot/domain"
)

// RunArgs builds the target-specific provisioning arguments: the inventory
// flag followed by a single extra-vars document holding the accepted user
// arguments under their mapped names.
func RunArgs(target config.TargetConfig, extra domain.ExtraArgs) ([]string, error) {
	if err := extra.Validate(target.AllowedArgKeys()); err != nil {
		return nil, err
	}

	var args []string
	if target.Inventory != "" {
		args = append(args, "-i", target.Inventory)
	}

	if len(extra) > 0 {
		vars := make(map[string]string, len(extra))
		for _, arg := range extra {
			vars[target.AllowedArgs[arg.Key]] = arg.Value
		}
		encoded, err := json.Marshal(vars)
		if err != nil {
			return nil, fmt.Errorf("failed to encode extra vars: %w", err)
		}
		args = append(args, "-e", string(encoded))
	}

	return args, nil
}
