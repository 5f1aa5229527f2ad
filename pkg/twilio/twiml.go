package twilio

import (
	"encoding/xml"
	"sort"
)

// TwiML document shapes for the voice webhook responses. Only the verbs this
// service emits are modeled.

type twimlResponse struct {
	XMLName xml.Name      `xml:"Response"`
	Say     *twimlSay     `xml:"Say,omitempty"`
	Pause   *twimlPause   `xml:"Pause,omitempty"`
	Connect *twimlConnect `xml:"Connect,omitempty"`
}

type twimlSay struct {
	Text string `xml:",chardata"`
}

type twimlPause struct {
	Length int `xml:"length,attr"`
}

type twimlConnect struct {
	Stream twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL        string           `xml:"url,attr"`
	Parameters []twimlParameter `xml:"Parameter"`
}

type twimlParameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// StreamTwiML renders a Connect/Stream response pointing the call at the
// media-stream WebSocket. Custom parameters arrive on the start event and
// select agent identity and greeting name. Parameters are sorted for stable
// output.
func StreamTwiML(wssURL string, customParameters map[string]string, greeting string) ([]byte, error) {
	params := make([]twimlParameter, 0, len(customParameters))
	for name, value := range customParameters {
		params = append(params, twimlParameter{Name: name, Value: value})
	}
	sort.Slice(params, func(i, j int) bool { return params[i].Name < params[j].Name })

	doc := twimlResponse{
		Connect: &twimlConnect{
			Stream: twimlStream{
				URL:        wssURL,
				Parameters: params,
			},
		},
	}
	if greeting != "" {
		doc.Say = &twimlSay{Text: greeting}
		doc.Pause = &twimlPause{Length: 1}
	}

	body, err := xml.MarshalIndent(doc, "", "    ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), body...), nil
}
