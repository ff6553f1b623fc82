package tabular

import (
	"encoding/xml"
)

type xmlSchema struct {
	XMLName xml.Name   `xml:"tables_schema"`
	Tables  []xmlTable `xml:"table"`
}

type xmlTable struct {
	Name    string      `xml:"name,attr"`
	Columns []xmlColumn `xml:"column"`
}

type xmlColumn struct {
	Name     string `xml:"name,attr"`
	DataType string `xml:"data_type,attr"`
}

// RenderSchemaXML formats tables as
//
//	<tables_schema><table name="..."><column name="..." data_type="..."></column></table></tables_schema>
//
// indented by two spaces.
func RenderSchemaXML(tables []TableSchema) (string, error) {
	doc := xmlSchema{Tables: make([]xmlTable, 0, len(tables))}
	for _, t := range tables {
		xt := xmlTable{Name: t.Name, Columns: make([]xmlColumn, 0, len(t.Columns))}
		for _, c := range t.Columns {
			xt.Columns = append(xt.Columns, xmlColumn{Name: c.Name, DataType: c.DataType})
		}
		doc.Tables = append(doc.Tables, xt)
	}
	b, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}
