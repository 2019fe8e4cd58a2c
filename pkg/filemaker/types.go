package filemaker

import "encoding/json"

// Credentials authenticate a session or a database listing.
type Credentials struct {
	Username string
	Password string
}

// envelope is the common shape of every Data API response body.
type envelope struct {
	Response json.RawMessage `json:"response"`
	Messages []APIMessage    `json:"messages"`
}

// APIMessage is one entry of the Data API "messages" array. Code "0" means success.
type APIMessage struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type sessionResponse struct {
	Token string `json:"token"`
}

type databasesResponse struct {
	Databases []struct {
		Name string `json:"name"`
	} `json:"databases"`
}

// LayoutEntry is a layout or a folder of layouts as returned by the layouts endpoint.
type LayoutEntry struct {
	Name              string        `json:"name"`
	IsFolder          bool          `json:"isFolder,omitempty"`
	FolderLayoutNames []LayoutEntry `json:"folderLayoutNames,omitempty"`
}

type layoutsResponse struct {
	Layouts []LayoutEntry `json:"layouts"`
}

// FieldDescriptor describes one field of a layout.
// Result is the FileMaker result type ("text", "number", "date", "time",
// "timeStamp", "bool", "int", "container", ...).
type FieldDescriptor struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name"`
	Type        string `json:"type,omitempty"`
	DisplayType string `json:"displayType,omitempty"`
	Result      string `json:"result"`
	Global      bool   `json:"global,omitempty"`
}

type metadataResponse struct {
	MetaData      []FieldDescriptor `json:"metaData"`
	FieldMetaData []FieldDescriptor `json:"fieldMetaData"`
}

type cursorResponse struct {
	CursorToken string `json:"cursorToken"`
}

// Record is one row of a cursor page. FieldData values are the raw JSON
// scalars sent by the server (strings or numbers).
type Record struct {
	RecordID  string         `json:"recordId"`
	ModID     string         `json:"modId,omitempty"`
	FieldData map[string]any `json:"fieldData"`
}

type recordsResponse struct {
	Data []Record `json:"data"`
}

type resetRequest struct {
	RecordID string `json:"recordId"`
}

// FlattenLayouts returns layout names depth-first, in server order, with folders expanded.
func FlattenLayouts(entries []LayoutEntry) []string {
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsFolder {
			names = append(names, FlattenLayouts(e.FolderLayoutNames)...)
			continue
		}
		names = append(names, e.Name)
	}
	return names
}
