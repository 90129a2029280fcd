package agent

import (
	"context"
	"encoding/json"
	"os"

	guuid "github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/veilmesh/pdn/key"
	"github.com/veilmesh/pdn/pkg/config"
	pdnerrors "github.com/veilmesh/pdn/pkg/errors"
	"github.com/veilmesh/pdn/protocol"
)

// FileConfig is the agent section of the layered service configuration:
// everything an operator tunes without recompiling. Key material and
// collaborator wiring stay in code; only names, levels, and paths live
// here.
type FileConfig struct {
	Tenant        string `json:"tenant"`
	LogLevel      string `json:"log_level"`
	ProtocolsFile string `json:"protocols_file"` // YAML protocol definitions
	LocalDBPath   string `json:"local_db_path"`  // sqlite path for the local partition
}

// LoadFileConfig reads the layered JSON config rooted at root (base ->
// env -> tenant -> env-var overrides) and extracts the agent section.
func LoadFileConfig(ctx context.Context, root, env, tenant string) (FileConfig, error) {
	loader, err := config.NewLoader(root, config.Options{Service: "agent", Env: env, Tenant: tenant})
	if err != nil {
		return FileConfig{}, pdnerrors.Wrap(pdnerrors.BadRequest, err)
	}
	bundle, err := loader.Load(ctx)
	if err != nil {
		return FileConfig{}, pdnerrors.Wrap(pdnerrors.BadRequest, err)
	}
	section, ok := bundle.Merged["agent"]
	if !ok {
		return FileConfig{}, nil
	}
	raw, err := json.Marshal(section)
	if err != nil {
		return FileConfig{}, pdnerrors.Wrap(pdnerrors.Internal, err)
	}
	var out FileConfig
	if err := json.Unmarshal(raw, &out); err != nil {
		return FileConfig{}, pdnerrors.Wrap(pdnerrors.BadRequest, err)
	}
	return out, nil
}

// protocolYAML mirrors protocol.Protocol for operator-authored definitions.
type protocolYAML struct {
	Name      string `yaml:"name"`
	Deletable bool   `yaml:"deletable"`
	Template  struct {
		CanCreate      bool `yaml:"can_create"`
		CanRead        bool `yaml:"can_read"`
		CanDelete      bool `yaml:"can_delete"`
		CanCreateChild bool `yaml:"can_create_child"`
		CanReadChild   bool `yaml:"can_read_child"`
	} `yaml:"template"`
	Schema  string `yaml:"schema"`
	Channel *struct {
		Any             bool     `yaml:"any"`
		AllowedChildren []string `yaml:"allowed_children"`
	} `yaml:"channel"`
}

type protocolsFileYAML struct {
	Protocols []protocolYAML `yaml:"protocols"`
}

// ParseProtocolsYAML turns an operator-authored protocol definition file
// into registrable protocols.
func ParseProtocolsYAML(data []byte) ([]protocol.Protocol, error) {
	var file protocolsFileYAML
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, pdnerrors.Wrap(pdnerrors.BadRequest, err)
	}
	out := make([]protocol.Protocol, 0, len(file.Protocols))
	for _, p := range file.Protocols {
		if p.Name == "" {
			return nil, pdnerrors.New(pdnerrors.Validation, "protocol definition missing a name")
		}
		proto := protocol.Protocol{
			Name:      p.Name,
			Deletable: p.Deletable,
			Template: key.PermissionOptions{
				CanCreate:      p.Template.CanCreate,
				CanRead:        p.Template.CanRead,
				CanDelete:      p.Template.CanDelete,
				CanCreateChild: p.Template.CanCreateChild,
				CanReadChild:   p.Template.CanReadChild,
			},
			Schema: p.Schema,
		}
		if p.Channel != nil {
			spec := &protocol.ChannelSpec{}
			if !p.Channel.Any {
				spec.AllowedChildren = make([]guuid.UUID, 0, len(p.Channel.AllowedChildren))
				for _, s := range p.Channel.AllowedChildren {
					id, err := guuid.Parse(s)
					if err != nil {
						return nil, pdnerrors.New(pdnerrors.Validation, "protocol %q: bad child id %q", p.Name, s)
					}
					spec.AllowedChildren = append(spec.AllowedChildren, id)
				}
			}
			proto.Channel = spec
		}
		out = append(out, proto)
	}
	return out, nil
}

// LoadProtocolsFile reads and parses the YAML file named by a FileConfig.
func LoadProtocolsFile(path string) ([]protocol.Protocol, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, pdnerrors.Wrap(pdnerrors.BadRequest, err)
	}
	return ParseProtocolsYAML(data)
}
