package must

import (
	"encoding/json"

	"gopkg.in/yaml.v3"
)

// PanicIf will call panic(err) in case given err is not nil.
func PanicIf(err error) {
	if err != nil {
		panic(err)
	}
}

func UnmarshalYaml(data []byte, v interface{}) {
	err := yaml.Unmarshal(data, v)
	PanicIf(err)
}

func MarshalYaml(v interface{}) []byte {
	data, err := yaml.Marshal(v)
	PanicIf(err)
	return data
}

func MarshalJson(v interface{}) []byte {
	data, err := json.Marshal(v)
	PanicIf(err)
	return data
}
