package manifest

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"strconv"
	"text/template"

	"github.com/go-playground/validator/v10"
)

// FileName is the name the rendered manifest is staged under.
const FileName = "Dockerfile"

//go:embed Dockerfile.tmpl
var dockerfileTemplate string

var tmpl = template.Must(template.New(FileName).Funcs(template.FuncMap{
	"json": func(v any) (string, error) {
		b, err := json.Marshal(v)
		return string(b), err
	},
	"quote": strconv.Quote,
}).Parse(dockerfileTemplate))

type Params struct {
	BaseImage      string            `validate:"required"`
	WorkDir        string            `validate:"required,startswith=/"`
	Env            map[string]string `validate:"dive,keys,required,endkeys,printascii"`
	InstallCommand string
	Port           int      `validate:"required,min=1,max=65535"`
	StartCommand   []string `validate:"required,min=1,dive,required"`
}

// Render fills the static Dockerfile template with params.
func Render(params Params) ([]byte, error) {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(params); err != nil {
		return nil, fmt.Errorf("invalid manifest parameters: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, params); err != nil {
		return nil, fmt.Errorf("failed to render %s: %w", FileName, err)
	}
	return buf.Bytes(), nil
}
