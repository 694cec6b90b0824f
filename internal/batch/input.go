package batch

import (
	"encoding/json"
	"fmt"
	"os"
)

// LoadInput reads and validates the batch input document.
func LoadInput(path string) (*Input, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}
	var in Input
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("parse input %s: %w", path, err)
	}
	if err := in.Validate(); err != nil {
		return nil, fmt.Errorf("input %s: %w", path, err)
	}
	return &in, nil
}

// Validate checks structural requirements. Password may be absent here;
// it can come from config, flag or prompt.
func (in *Input) Validate() error {
	if in.Credentials.Username == "" {
		return fmt.Errorf("admin_credentials.username is required")
	}
	if len(in.Users) == 0 {
		return fmt.Errorf("users list is empty")
	}
	for i, u := range in.Users {
		if u.TargetUser == "" {
			return fmt.Errorf("users[%d]: target_user is required", i)
		}
		for j, level := range u.BranchHierarchy {
			if level == "" {
				return fmt.Errorf("users[%d]: branch_hierarchy[%d] is empty", i, j)
			}
		}
	}
	return nil
}

// WriteSampleInput writes a starter input document.
func WriteSampleInput(path string) error {
	sample := Input{
		Credentials: Credentials{
			Username: "admin.user",
			Password: "",
			AdminURL: "https://admin.example.com/console",
		},
		Users: []ChangeRequest{
			{
				TargetUser: "jane.doe@example.com",
				NewRole:    "Teller",
				NewBranch:  "370-Downtown",
			},
			{
				TargetUser:      "john.smith@example.com",
				NewRole:         "Branch Manager",
				BranchHierarchy: []string{"VIB Bank", "North", "371-Riverside"},
			},
			{
				TargetUser: "role.only@example.com",
				NewRole:    "Auditor",
			},
		},
	}
	data, err := json.MarshalIndent(sample, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
