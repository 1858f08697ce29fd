package sqlite

var WithPragmasForTest = withPragmas
