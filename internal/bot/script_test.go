// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package bot

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"testing"

	"go.astrophena.name/hexbot/internal/telegram"
	"go.astrophena.name/hexbot/internal/testutil"

	"golang.org/x/tools/txtar"
)

var update = flag.Bool("update", false, "update golden files in testdata")

// TestConversations replays scripted conversations: each txtar archive holds
// a sequence of updates in JSON form, and the golden file holds the replies
// the bot sends back, separated by "---" lines.
func TestConversations(t *testing.T) {
	testutil.RunGolden(t, "testdata/*.txtar", func(t *testing.T, match string) []byte {
		ar, err := txtar.ParseFile(match)
		if err != nil {
			t.Fatal(err)
		}

		b, tg, _ := testBot(t)
		for _, f := range ar.Files {
			var u telegram.Update
			if err := json.Unmarshal(f.Data, &u); err != nil {
				t.Fatalf("%s: %v", f.Name, err)
			}
			handle(t, b, u)
		}

		var out bytes.Buffer
		for _, r := range tg.replies {
			fmt.Fprintf(&out, "%s\n---\n", r.text)
		}
		return out.Bytes()
	}, *update)
}
