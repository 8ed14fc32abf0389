package caffe

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"sigs.k8s.io/yaml"
)

// ReadProtoFromBinaryFile reads a binary NetParameter, such as a .caffemodel
// weight file.
func ReadProtoFromBinaryFile(path string) (*NetParameter, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	param, err := UnmarshalNetParameter(data)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing %s", path)
	}
	return param, nil
}

// WriteProtoToBinaryFile writes param in binary form.
func WriteProtoToBinaryFile(path string, param *NetParameter) error {
	if err := os.WriteFile(path, param.Marshal(), 0o644); err != nil {
		return errors.Wrapf(err, "writing %s", path)
	}
	return nil
}

// ParseNetParameterYAML decodes a declarative topology written in YAML or
// JSON. Keys are the snake_case caffe.proto field names.
func ParseNetParameterYAML(data []byte) (*NetParameter, error) {
	param := &NetParameter{}
	if err := yaml.UnmarshalStrict(data, param); err != nil {
		return nil, errors.Wrap(err, "decoding topology descriptor")
	}
	return param, nil
}

// ReadNetParameterFromTextFile reads a YAML or JSON topology descriptor.
func ReadNetParameterFromTextFile(path string) (*NetParameter, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	param, err := ParseNetParameterYAML(data)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing %s", path)
	}
	return param, nil
}

// ReadNetParameterFile picks the decoder from the file extension: .yaml,
// .yml and .json are text descriptors, anything else is binary.
func ReadNetParameterFile(path string) (*NetParameter, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		return ReadNetParameterFromTextFile(path)
	default:
		return ReadProtoFromBinaryFile(path)
	}
}
