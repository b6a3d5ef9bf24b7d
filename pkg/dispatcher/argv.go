package dispatcher

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/nendo/actionengine/pkg/enginerr"
)

// ParamKind tags the variant held by a Param, replacing the isinstance-based
// dynamic argument building the command generator used to do.
type ParamKind int

const (
	ParamBool ParamKind = iota
	ParamStr
	ParamNum
	ParamID
	ParamList
)

// Param is a tagged union of the argument shapes a plugin's run.py accepts.
// Exactly one of Bool/Str/Num/ID/List is meaningful, selected by Kind.
type Param struct {
	Kind ParamKind
	Bool bool
	Str  string
	Num  float64
	ID   string
	List []string
}

func BoolParam(v bool) Param       { return Param{Kind: ParamBool, Bool: v} }
func StrParam(v string) Param      { return Param{Kind: ParamStr, Str: v} }
func NumParam(v float64) Param     { return Param{Kind: ParamNum, Num: v} }
func IDParam(v string) Param       { return Param{Kind: ParamID, ID: v} }
func ListParam(v []string) Param   { return Param{Kind: ParamList, List: v} }

// EncodeCommand builds the argv for a work unit's entrypoint: python
// <fixed script mount path> --user_id=... --job_id=... plus one flag per
// parameter, encoded by kind.
//
// A bool parameter becomes a bare flag when true and is omitted when false.
// Str/Num/ID parameters become --key=value. A list becomes --key followed by
// each item as its own argument. Keys are sorted so the command is
// deterministic across calls with the same params.
func EncodeCommand(userID, jobID string, params map[string]Param) ([]string, error) {
	cmd := []string{"python", containerScriptMountPath, "--user_id=" + userID, "--job_id=" + jobID}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		p := params[key]
		switch p.Kind {
		case ParamBool:
			if p.Bool {
				cmd = append(cmd, "--"+key)
			}
		case ParamStr:
			cmd = append(cmd, "--"+key+"="+p.Str)
		case ParamNum:
			cmd = append(cmd, "--"+key+"="+strconv.FormatFloat(p.Num, 'g', -1, 64))
		case ParamID:
			cmd = append(cmd, "--"+key+"="+p.ID)
		case ParamList:
			cmd = append(cmd, "--"+key)
			cmd = append(cmd, p.List...)
		default:
			return nil, fmt.Errorf("%w: unsupported parameter type for %q", enginerr.ErrInvalidArgument, key)
		}
	}

	return cmd, nil
}
